package identity

import (
	"testing"

	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "formatted", raw: "+1 (555) 123-4567", want: "+15551234567"},
		{name: "already normalized", raw: "+6281234567890", want: "+6281234567890"},
		{name: "dots", raw: "+44.20.7946.0958", want: "+442079460958"},
		{name: "missing plus", raw: "15551234567", wantErr: true},
		{name: "leading zero", raw: "+0123456", wantErr: true},
		{name: "too long", raw: "+1234567890123456", wantErr: true},
		{name: "too short", raw: "+1", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "double plus", raw: "++15551234567", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, kerrors.Is(err, kerrors.ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, Valid(got))
		})
	}
}
