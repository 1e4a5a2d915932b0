package ytdlp

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Flags that would let configuration redirect output, run commands or
// override what the runner controls itself.
var forbiddenFlags = []string{
	"-o", "--output", "-P", "--paths",
	"--exec", "--exec-before-download",
	"-a", "--batch-file",
	"--config-location", "--config-locations",
	"-f", "--format",
	"--ffmpeg-location", "--cookies",
}

// SplitExtraArgs splits the EXTRA_ARGS setting into yt-dlp arguments without
// going through a shell.
func SplitExtraArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid extra args syntax: %w", err)
	}
	if err := ValidateExtraArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// ValidateExtraArgs rejects flags the runner owns and shell metacharacters.
func ValidateExtraArgs(args []string) error {
	for _, arg := range args {
		name := arg
		if i := strings.Index(arg, "="); i > 0 {
			name = arg[:i]
		}
		for _, f := range forbiddenFlags {
			if name == f {
				return fmt.Errorf("flag %s is managed by the server and cannot be passed in extra args", f)
			}
		}
		if strings.ContainsAny(arg, "|&;`$<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
