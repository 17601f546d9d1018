package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAccessToken(t *testing.T) {
	t.Setenv("LDK_ACCESS_TOKEN", "")
	assert.Error(t, (&proxyCmd{}).validate())

	t.Setenv("LDK_ACCESS_TOKEN", "from-env")
	c := &proxyCmd{}
	assert.NoError(t, c.validate())
	assert.Equal(t, "from-env", c.accessToken)

	c = &proxyCmd{accessToken: "flag"}
	assert.NoError(t, c.validate())
	assert.Equal(t, "flag", c.accessToken)
}
