package lifecycle

import "fmt"

// startScript invokes the sandbox image's start-environment entrypoint, which
// clones the branch, brings up the compose stack, and opens a quick tunnel.
// The script prints a TUNNEL_URL= line; driver.ExecResult owns that contract.
func startScript(cloneURL, branch, cloneToken string) string {
	return fmt.Sprintf("/usr/local/bin/start-environment.sh %q %q %q", cloneURL, branch, cloneToken)
}

// rebuildScript refreshes an already provisioned sandbox in place. The deploy
// path never uses it (redeploys re-provision); it backs the operator-facing
// rebuild action.
func rebuildScript(branch string) string {
	return fmt.Sprintf("cd /app/repo && git fetch origin %[1]s && git reset --hard origin/%[1]s && docker compose up -d --build", branch)
}
