package driver

import (
	"errors"
	"regexp"
)

// ErrNoTunnelURL reports that a startup script finished successfully but its
// output carried no tunnel URL. This is distinct from script failure: the
// workload may be up with no public route to it.
var ErrNoTunnelURL = errors.New("driver: no tunnel URL in command output")

// tunnelURLPattern is the parsing contract between the startup script and the
// controller: the script prints a TUNNEL_URL= line once the tunnel is up.
var tunnelURLPattern = regexp.MustCompile(`TUNNEL_URL=(https://[a-zA-Z0-9-]+\.trycloudflare\.com)`)

// ExecResult is the outcome of one remote command execution.
type ExecResult struct {
	Stdout string
	Stderr string
	OK     bool
}

// TunnelURL extracts the public tunnel URL from the command output. It
// returns ErrNoTunnelURL when the script succeeded without printing one.
func (r ExecResult) TunnelURL() (string, error) {
	m := tunnelURLPattern.FindStringSubmatch(r.Stdout)
	if m == nil {
		return "", ErrNoTunnelURL
	}
	return m[1], nil
}
