package main

import (
	"testing"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"serve", "run", "resume", "status", "cancel", "export", "watch"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRunCommand_Flags(t *testing.T) {
	run, _, err := newRootCmd().Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"count", "replace", "account", "monthly", "debug-log"} {
		if run.Flags().Lookup(flag) == nil {
			t.Errorf("run is missing --%s", flag)
		}
	}
}

func TestExportCommand_RequiresID(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"export"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected missing --id error")
	}
}
