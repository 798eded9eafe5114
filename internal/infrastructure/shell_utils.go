package infrastructure

import "strings"

// shellSafe lists the characters that never need quoting in a POSIX shell
const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=,+@%"

// shellQuote renders one argument so it can be pasted into a shell.
// Only used for log output; exec never goes through a shell.
func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.Trim(arg, shellSafe) == "" {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// CommandLine renders a binary and its arguments as a copy-pasteable line
func CommandLine(binary string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(binary))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}
