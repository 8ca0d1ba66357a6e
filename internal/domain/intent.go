package domain

// DeployIntent asks the controller to create or replace an environment for a
// pull request. Delivery is at-least-once; handling must be idempotent.
type DeployIntent struct {
	Repository string `json:"repository"`
	PRNumber   int    `json:"prNumber"`
	Branch     string `json:"branch"`
	CommitSHA  string `json:"sha"`
	CloneURL   string `json:"cloneUrl"`
}

// Key returns the identity key the intent targets.
func (i DeployIntent) Key() EnvironmentKey {
	return EnvironmentKey{Repository: i.Repository, PRNumber: i.PRNumber}
}

// DestroyIntent asks the controller to tear down an environment, typically
// because the pull request closed.
type DestroyIntent struct {
	Repository string `json:"repository"`
	PRNumber   int    `json:"prNumber"`
}

// Key returns the identity key the intent targets.
func (i DestroyIntent) Key() EnvironmentKey {
	return EnvironmentKey{Repository: i.Repository, PRNumber: i.PRNumber}
}
