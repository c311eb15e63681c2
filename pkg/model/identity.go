package model

import "path/filepath"

// RunIdentity uniquely addresses one test execution.
type RunIdentity struct {
	VPN     VPN
	Profile string
	Test    TestKind
	Source  string
	Target  string
}

// ResultPath returns the location of this run's result file below root:
// <root>/<vpn>/<profile>/<source>/<test>.json.
func (id RunIdentity) ResultPath(root string) string {
	return filepath.Join(root, string(id.VPN), id.Profile, id.Source, string(id.Test)+".json")
}
