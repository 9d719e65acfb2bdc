package config

import (
	"encoding/json"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
	"go.skia.org/rebaseline/go/testutils/unittest"
)

func TestDurationJSON(t *testing.T) {
	unittest.SmallTest(t)
	var v struct {
		D Duration `json:"d"`
	}
	assert.NoError(t, json.Unmarshal([]byte(`{"d": "1h30m"}`), &v))
	assert.Equal(t, 90*time.Minute, v.D.Duration)

	b, err := json.Marshal(v)
	assert.NoError(t, err)
	assert.Equal(t, `{"d":"1h30m0s"}`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"d": "soon"}`), &v))
}
