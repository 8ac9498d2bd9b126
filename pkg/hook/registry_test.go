package hook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeema/ldhook/pkg/catalog"
)

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.Register(Read("HOOK_RETURN(1);"))
	r.Register(Open("HOOK_PASS();"))
	r.Register(Read("HOOK_RETURN(2);"))

	hooks := r.Drain()
	require.Len(t, hooks, 2)
	assert.Equal(t, catalog.Read, hooks[0].Function(), "replacement keeps first position")
	assert.Equal(t, "HOOK_RETURN(2);", hooks[0].Override())
	assert.Equal(t, catalog.Open, hooks[1].Function())
}

func TestRegistryRegisterManyOrder(t *testing.T) {
	r := NewRegistry()
	r.RegisterMany(Read("HOOK_RETURN(0);"), Open("HOOK_PASS();"))
	r.Register(Read("HOOK_RETURN(4);"))
	r.RegisterMany(Read("HOOK_RETURN(3);"))
	r.Register(Read("HOOK_RETURN(1);"))

	assert.Equal(t, 2, r.Len())
	hooks := r.Drain()
	require.Len(t, hooks, 2)
	assert.Equal(t, "HOOK_RETURN(1);", hooks[0].Override())
}

func TestRegistryDrainEmpties(t *testing.T) {
	r := NewRegistry()
	r.Register(Recv(""))

	assert.Len(t, r.Drain(), 1)
	assert.Empty(t, r.Drain())
	assert.Equal(t, 0, r.Len())

	r.Register(OpenDir(""))
	assert.Len(t, r.Drain(), 1)
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	ctors := []func(string) Hook{Open, Open64, OpenAt, OpenDir, Recv, RecvMsg, Read, GetEnv}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(ctors[i%len(ctors)]("HOOK_PASS();"))
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Drain(), len(ctors))
}

func TestNewValidatesFunction(t *testing.T) {
	h, err := New(catalog.Read, "HOOK_PASS();")
	require.NoError(t, err)
	assert.Equal(t, "read", h.String())
	assert.Equal(t, "ssize_t", h.Signature().Return)

	_, err = New("write", "")
	assert.Error(t, err)
}

func TestHookEqualityByIdentity(t *testing.T) {
	r := NewRegistry()
	a := GetEnv("HOOK_RETURN(NULL);")
	b := GetEnv("HOOK_PASS();")
	assert.Equal(t, a.Function(), b.Function())

	r.RegisterMany(a, b)
	assert.Equal(t, 1, r.Len())
}
