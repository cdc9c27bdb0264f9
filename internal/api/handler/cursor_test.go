package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &domain.JobCursor{
		CreatedAt: time.Date(2026, 5, 14, 10, 0, 0, 123456789, time.UTC),
		JobID:     "8f1c2f9e-0a7b-4a51-9d36-2f6a1c0b9e11",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	encode := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name    string
		cursor  string
		wantNil bool
		wantErr bool
	}{
		{name: "empty means first page", cursor: "", wantNil: true},
		{name: "not base64", cursor: "not!base64", wantErr: true},
		{name: "missing separator", cursor: encode("12345"), wantErr: true},
		{name: "missing job id", cursor: encode("12345|"), wantErr: true},
		{name: "bad timestamp", cursor: encode("yesterday|job-1"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJobCursor(tt.cursor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
			}
		})
	}
}
