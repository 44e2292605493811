// Package security screens Wolfram Language source for risky operations
// before it ever reaches the kernel. It is a pure pattern scanner with no
// concurrency concerns; the execution engine itself performs no screening.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// dangerousFunctions are kernel operations that touch the filesystem,
// network, or host system and are rejected in strict mode
var dangerousFunctions = []string{
	"Run", "RunProcess", "Import", "Export", "Get", "Put", "OpenRead", "OpenWrite",
	"CreateFile", "DeleteFile", "CopyFile", "RenameFile", "CreateDirectory",
	"DeleteDirectory", "SetDirectory", "ResetDirectory", "Install", "Uninstall",
	"URLFetch", "URLRead", "URLSubmit", "SendMail", "SystemOpen", "NotebookWrite",
	"CloudDeploy", "CloudFunction", "CloudObject", "RemoteFile", "RemoteRun",
}

// riskyPatterns catch call forms of the same operations plus shell escapes
var riskyPatterns = []string{
	`!/.*`, // shell command escape
	`Import\[.*\]`,
	`Export\[.*\]`,
	`Get\[.*\]`,
	`Put\[.*\]`,
	`Run\[.*\]`,
	`URLFetch\[.*\]`,
	`SetDirectory\[.*\]`,
	`CreateFile\[.*\]`,
	`DeleteFile\[.*\]`,
}

// restrictedContexts are namespaces that expose kernel internals
var restrictedContexts = []string{"System`", "Developer`", "Internal`"}

// DefaultMaxCodeBytes caps accepted source size
const DefaultMaxCodeBytes = 50 * 1024

// Validator screens source text for security risks
type Validator struct {
	strictMode   bool
	maxCodeBytes int
	compiled     []*regexp.Regexp
	funcMatchers map[string]*regexp.Regexp
}

// NewValidator creates a validator. In strict mode any warning makes the
// code unsafe; otherwise warnings are advisory and everything passes.
func NewValidator(strictMode bool, maxCodeBytes int) *Validator {
	if maxCodeBytes <= 0 {
		maxCodeBytes = DefaultMaxCodeBytes
	}
	v := &Validator{
		strictMode:   strictMode,
		maxCodeBytes: maxCodeBytes,
		funcMatchers: make(map[string]*regexp.Regexp, len(dangerousFunctions)),
	}
	for _, pattern := range riskyPatterns {
		v.compiled = append(v.compiled, regexp.MustCompile(`(?i)`+pattern))
	}
	// Word-boundary matches so e.g. "Runner" does not trip "Run"
	for _, fn := range dangerousFunctions {
		v.funcMatchers[fn] = regexp.MustCompile(`\b` + regexp.QuoteMeta(fn) + `\b`)
	}
	return v
}

// Validate screens code and returns whether it is safe to execute along
// with any warnings found. In non-strict mode warnings never make the
// result unsafe.
func (v *Validator) Validate(code string) (bool, []string) {
	var warnings []string

	for _, fn := range dangerousFunctions {
		if v.funcMatchers[fn].MatchString(code) {
			warnings = append(warnings, fmt.Sprintf("dangerous function detected: %s", fn))
		}
	}

	for _, pattern := range v.compiled {
		if pattern.MatchString(code) {
			warnings = append(warnings, fmt.Sprintf("risky pattern detected: %s", pattern.String()))
		}
	}

	if len(code) > v.maxCodeBytes {
		warnings = append(warnings, fmt.Sprintf("code too long (>%d bytes)", v.maxCodeBytes))
	}

	for _, ctx := range restrictedContexts {
		if strings.Contains(code, ctx) {
			warnings = append(warnings, fmt.Sprintf("restricted context access: %s", ctx))
		}
	}

	isSafe := len(warnings) == 0 || !v.strictMode
	return isSafe, warnings
}
