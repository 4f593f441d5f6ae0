package llmprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{ model string }

func (f *fakeProvider) ModelName() string { return f.model }
func (f *fakeProvider) Complete(_ context.Context, messages []Message) (Completion, error) {
	return Completion{Text: "fake:" + messages[len(messages)-1].Content}, nil
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterProvider("openai", &fakeProvider{model: "gpt-4o-mini"}))

	p, err := reg.Resolve("openai")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", p.ModelName())

	_, err = reg.Resolve("missing")
	assert.Error(t, err)
}

func TestRegistryRejectsNilProvider(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterProvider("x", nil)
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterProvider("openai", &fakeProvider{}))
	err := reg.RegisterProvider("openai", &fakeProvider{})
	assert.Error(t, err)
}
