// Package agentpolicy is the security contract shared with the endpoint
// agent. The agent enforces it locally; the server enforces the same rules
// before enqueueing so a policy violation is caught at submission time rather
// than reported back after a poll cycle.
package agentpolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sentinelops/scp/pkg/types"
)

// AllowedCommands is the closed set of command types an agent will execute
var AllowedCommands = map[types.CommandType]bool{
	types.CmdGetStatus:          true,
	types.CmdInstallCollector:   true,
	types.CmdUpdateConfig:       true,
	types.CmdUninstallCollector: true,
	types.CmdQueryEvents:        true,
	types.CmdRestartCollector:   true,
}

// CollectorBinaryNames are the only file names the agent will execute,
// compared case-insensitively
var CollectorBinaryNames = []string{"sysmon.exe", "sysmon64.exe"}

// AllowedFlags are the only CLI flags permitted on the collector binary
var AllowedFlags = map[string]bool{
	"-accepteula": true,
	"-i":          true,
	"-c":          true,
	"-u":          true,
	"-h":          true,
}

// trustedPublishers is matched against the binary's embedded company and
// copyright metadata
var trustedPublishers = []string{"Microsoft", "Sysinternals", "Mark Russinovich"}

const productName = "Sysmon"

// ValidateCommandType reports whether the agent will accept the type
func ValidateCommandType(t types.CommandType) error {
	if !AllowedCommands[t] {
		return fmt.Errorf("command type %q is not in the agent allow-list", t)
	}
	return nil
}

// ValidateBinaryName checks the executable file name against the allow-list
func ValidateBinaryName(name string) error {
	lower := strings.ToLower(name)
	for _, allowed := range CollectorBinaryNames {
		if lower == allowed {
			return nil
		}
	}
	return fmt.Errorf("binary name %q is not a recognized collector binary", name)
}

// ValidateArgs checks an argument vector the way the agent does: every token
// is either an allowed flag, the literal "force" (uninstall modifier), or a
// quoted path passed as a single argument.
func ValidateArgs(args []string) error {
	for _, a := range args {
		if AllowedFlags[strings.ToLower(a)] {
			continue
		}
		if strings.EqualFold(a, "force") {
			continue
		}
		if isPathArgument(a) {
			continue
		}
		return fmt.Errorf("argument %q is not permitted", a)
	}
	return nil
}

func isPathArgument(a string) bool {
	if strings.HasPrefix(a, "-") || strings.HasPrefix(a, "/") {
		return false
	}
	// Paths are passed quoted as one argument, so embedded spaces are fine;
	// shell metacharacters are not.
	return !strings.ContainsAny(a, "&|<>^%\n\r")
}

// BinaryMetadata is the embedded version information of a received binary
type BinaryMetadata struct {
	CompanyName     string
	ProductName     string
	FileDescription string
	LegalCopyright  string
}

// VerifyPublisher checks that the binary's version metadata names a trusted
// publisher and the collector product. A binary failing this check must be
// deleted by the caller.
func VerifyPublisher(meta BinaryMetadata) error {
	publisherFields := meta.CompanyName + " " + meta.LegalCopyright
	trusted := false
	for _, p := range trustedPublishers {
		if strings.Contains(publisherFields, p) {
			trusted = true
			break
		}
	}
	if !trusted {
		return fmt.Errorf("binary publisher %q is not trusted", meta.CompanyName)
	}

	product := strings.ToLower(meta.ProductName + " " + meta.FileDescription)
	if !strings.Contains(product, strings.ToLower(productName)) {
		return fmt.Errorf("binary product %q does not identify the collector", meta.ProductName)
	}
	return nil
}

// VerifyConfigHash recomputes SHA-256 over received config bytes and compares
// against the expected hash. An empty expected hash skips verification.
func VerifyConfigHash(content []byte, expectedHash string) error {
	if expectedHash == "" {
		return nil
	}
	sum := sha256.Sum256(content)
	actual := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actual, expectedHash) {
		return fmt.Errorf("config hash mismatch: expected %s, got %s", expectedHash, actual)
	}
	return nil
}
