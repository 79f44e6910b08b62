package version_test

import (
	"testing"

	"github.com/buildd-ai/buildd-sub001/internal/version"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := version.String()
	if v == "" {
		t.Fatal("version.String() must not be empty")
	}
}
