package hosting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{}

func (fakeProvider) Name() string                                  { return "fake" }
func (fakeProvider) IsMerged(context.Context, string) (bool, error) { return true, nil }

func TestForURLMatchesHostSuffix(t *testing.T) {
	Register("example.test", func() (Provider, error) { return fakeProvider{}, nil })

	p, err := ForURL("https://code.example.test/acme/widgets/pull/1")
	require.NoError(t, err)
	assert.Equal(t, "fake", p.Name())
}

func TestForURLUnknownHost(t *testing.T) {
	_, err := ForURL("https://nowhere.invalid/x/y/pull/1")
	assert.Error(t, err)
}

func TestForURLMalformed(t *testing.T) {
	_, err := ForURL("::not-a-url::")
	assert.Error(t, err)
}
