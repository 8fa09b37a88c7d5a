package batch

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxFileNameLen  = 100
	maxSegmentLen   = 80
	defaultFileName = "conversation"
	defaultAccount  = "Unknown_Account"
)

var (
	reservedRe   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	spaceRe      = regexp.MustCompile(`\s+`)
	underscoreRe = regexp.MustCompile(`_+`)
)

func sanitize(s string, limit int, fallback string) string {
	s = reservedRe.ReplaceAllString(s, "_")
	s = spaceRe.ReplaceAllString(s, "_")
	s = underscoreRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_. ")
	if utf8.RuneCountInString(s) > limit {
		s = strings.TrimRight(string([]rune(s)[:limit]), "_. ")
	}
	if s == "" {
		return fallback
	}
	return s
}

// SanitizeFileName makes title safe as a file name stem.
func SanitizeFileName(title string) string {
	return sanitize(title, maxFileNameLen, defaultFileName)
}

// SanitizeSegment makes an account name safe as one folder segment.
func SanitizeSegment(name string) string {
	return sanitize(name, maxSegmentLen, defaultAccount)
}

// FileName builds "<date>_<time>_<ordinal>_<title>.html" where the ordinal is
// zero-padded to the digit width of total.
func FileName(start time.Time, ordinal, total int, title string) string {
	width := len(strconv.Itoa(max(1, total)))
	return fmt.Sprintf("%s_%0*d_%s.html", start.Format("2006-01-02_15-04-05"), width, ordinal, SanitizeFileName(title))
}

// AccountFolder is the per-account folder below the export root.
func AccountFolder(root, account string) string {
	return path.Join(root, SanitizeSegment(account))
}

// Folder is the dated export folder for a conversation that started at start.
func Folder(root, account string, start time.Time, g FolderGranularity) string {
	folder := path.Join(AccountFolder(root, account), start.Format("2006"))
	if g == FolderByMonth {
		folder = path.Join(folder, start.Format("01"))
	}
	return folder
}

// Uniquify appends _2, _3, ... to the stem of name until taken reports false.
func Uniquify(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// FailureReportName is the file name of a batch failure report.
func FailureReportName(at time.Time) string {
	return "Batch_Failure_Report_" + at.Format("2006-01-02_15-04-05") + ".html"
}

// DebugLogName is the file name of the live debug log of a batch.
func DebugLogName(at time.Time) string {
	return "Batch_Debug_Live_" + at.Format("2006-01-02_15-04-05") + ".html"
}
