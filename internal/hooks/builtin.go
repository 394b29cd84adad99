package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
)

// dangerousPatterns are blocked outright. Matching is a case-insensitive
// substring check against the command string.
var dangerousPatterns = []string{
	// destructive filesystem
	"rm -rf /",
	"rm -fr /",
	"rm -rf ~",
	"rm -rf *",
	"mkfs",
	"--no-preserve-root",
	// fork bomb
	":(){ :|:& };:",
	":(){:|:&};:",
	// raw device writes
	"of=/dev/sd",
	"of=/dev/nvme",
	"of=/dev/hd",
	"> /dev/sd",
	// destructive SQL
	"drop table",
	"drop database",
	"truncate table",
	// disabling root protections
	"chmod 777 /",
	"chown -r root /",
	"chattr -i",
}

// warnPatterns are allowed but logged at warn severity.
var warnPatterns = []string{
	"sudo ",
	"chmod ",
	"chown ",
	"rm -r",
	"git push --force",
	"git push -f",
	"git reset --hard",
}

// sensitivePathGlobs flag writes that touch credential material. Matched
// paths are allowed but audited.
var sensitivePathGlobs = []string{
	"**/.env",
	"**/.env.*",
	"**/.ssh/**",
	"**/id_rsa*",
	"**/id_ed25519*",
	"**/*.pem",
	"**/shadow",
	"**/passwd",
	"**/.netrc",
	"**/.aws/credentials",
	"**/.config/gh/hosts.yml",
}

// commandText extracts the command string from a tool input, falling back to
// the whole serialized input when no command field is present.
func commandText(input []byte) string {
	if cmd := gjson.GetBytes(input, "command").String(); cmd != "" {
		return cmd
	}
	return string(input)
}

// pathFields name the input properties that may carry a file path.
var pathFields = []string{"file_path", "path", "filename", "target"}

func pathText(input []byte) string {
	for _, f := range pathFields {
		if p := gjson.GetBytes(input, f).String(); p != "" {
			return p
		}
	}
	return ""
}

// dangerousCommandHook denies commands matching the fixed blocklist.
type dangerousCommandHook struct{}

func (dangerousCommandHook) Name() string { return "builtin:dangerous-command" }

func (dangerousCommandHook) Evaluate(_ context.Context, call *ToolCall) Decision {
	cmd := strings.ToLower(commandText(call.Input))
	for _, p := range dangerousPatterns {
		if strings.Contains(cmd, p) {
			return Decision{
				Action: ActionDeny,
				Reason: fmt.Sprintf("command matches blocked pattern %q", p),
			}
		}
	}
	return Decision{Action: ActionAllow}
}

// riskyCommandHook warn-logs commands matching known-risky patterns.
type riskyCommandHook struct {
	logger *slog.Logger
}

func (riskyCommandHook) Name() string { return "builtin:risky-command" }

func (h riskyCommandHook) Evaluate(_ context.Context, call *ToolCall) Decision {
	cmd := strings.ToLower(commandText(call.Input))
	for _, p := range warnPatterns {
		if strings.Contains(cmd, p) {
			return Decision{
				Action: ActionWarn,
				Reason: fmt.Sprintf("command matches risky pattern %q", strings.TrimSpace(p)),
			}
		}
	}
	return Decision{Action: ActionAllow}
}

// secretPatterns flag tool results that echo credential material back into
// the conversation. Matching is a case-insensitive substring check.
var secretPatterns = []string{
	"-----begin rsa private key-----",
	"-----begin openssh private key-----",
	"-----begin ec private key-----",
	"-----begin pgp private key block-----",
	"aws_secret_access_key",
}

// secretLeakHook audits completed tool calls whose results carry
// credential-shaped content.
type secretLeakHook struct {
	logger *slog.Logger
}

func (secretLeakHook) Name() string { return "builtin:secret-leak" }

func (h secretLeakHook) Evaluate(_ context.Context, call *ToolCall) Decision {
	text := strings.ToLower(string(call.Input))
	for _, p := range secretPatterns {
		if strings.Contains(text, p) {
			return Decision{
				Action: ActionWarn,
				Reason: fmt.Sprintf("tool result contains credential-shaped content (%q)", p),
			}
		}
	}
	return Decision{Action: ActionAllow}
}

// sensitivePathHook audits tool calls touching credential files.
type sensitivePathHook struct {
	logger *slog.Logger
}

func (sensitivePathHook) Name() string { return "builtin:sensitive-path" }

func (h sensitivePathHook) Evaluate(_ context.Context, call *ToolCall) Decision {
	path := pathText(call.Input)
	if path == "" {
		return Decision{Action: ActionAllow}
	}
	for _, glob := range sensitivePathGlobs {
		ok, err := doublestar.Match(glob, path)
		if err != nil {
			continue
		}
		if ok {
			return Decision{
				Action: ActionWarn,
				Reason: fmt.Sprintf("touches sensitive path %s", path),
			}
		}
	}
	return Decision{Action: ActionAllow}
}
