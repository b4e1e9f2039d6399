package arm

import (
	"testing"
)

func TestArm(t *testing.T) { Arch.SmokeTest(t) }
