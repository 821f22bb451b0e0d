package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInterfaceName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"eth0", false},
		{"eth0.100", false},
		{"wg_vpn-1", false},
		{"", true},
		{"averyveryverylongname", true},
		{"eth0;rm", true},
		{"eth 0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInterfaceName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("blocked_hosts-v4", 32))
	assert.Error(t, ValidateIdentifier("", 32))
	assert.Error(t, ValidateIdentifier("bad name", 32))
	assert.Error(t, ValidateIdentifier("<blocked>", 32))
	assert.Error(t, ValidateIdentifier(strings.Repeat("a", 32), 32))
	assert.NoError(t, ValidateIdentifier(strings.Repeat("a", 31), 32))
}

func TestValidateAnchorPath(t *testing.T) {
	assert.NoError(t, ValidateAnchorPath("web", 1024))
	assert.NoError(t, ValidateAnchorPath("edge/web", 1024))
	assert.Error(t, ValidateAnchorPath("", 1024))
	assert.Error(t, ValidateAnchorPath("edge//web", 1024))
	assert.Error(t, ValidateAnchorPath("/web", 1024))
	assert.Error(t, ValidateAnchorPath("web", 3))
}

func TestValidateLabel(t *testing.T) {
	assert.NoError(t, ValidateLabel("", 64))
	assert.NoError(t, ValidateLabel("ssh from office", 64))
	assert.Error(t, ValidateLabel("tab\there", 64))
	assert.Error(t, ValidateLabel(`say "hi"`, 64))
	assert.Error(t, ValidateLabel(strings.Repeat("x", 64), 64))
}
