package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "v9.9.9"
	info := Info()
	if !strings.Contains(info, "v9.9.9") {
		t.Errorf("expected version in %q", info)
	}
	if !strings.HasPrefix(info, "weatherpi ") {
		t.Errorf("expected program name prefix in %q", info)
	}
}
