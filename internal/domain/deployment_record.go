package domain

import "time"

// DeploymentRecord ties one application of one release version to the
// platform deployment serving it. A record is the only authoritative
// source of which id to undeploy; it exists only once the deploy call
// for that application returned successfully.
type DeploymentRecord struct {
	ReleaseName     string
	Version         int
	ApplicationName string
	Platform        string
	DeploymentID    DeploymentID
	CreatedAt       time.Time
}

// Release returns the key of the release the record belongs to.
func (r DeploymentRecord) Release() ReleaseKey {
	return ReleaseKey{Name: r.ReleaseName, Version: r.Version}
}
