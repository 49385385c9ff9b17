package saga_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
)

func TestLoadDefinitionFile(t *testing.T) {
	def, err := saga.LoadDefinitionFile("testdata/definitions/booking.yaml")
	require.NoError(t, err)

	assert.Equal(t, "booking", def.Name, "name falls back to the file name")
	require.Len(t, def.Steps, 3)
	assert.Equal(t, "create_booking", def.Steps[0].Name)
	assert.Equal(t, "https://bookings.example.com/compensate", def.Steps[0].Compensate.URL)
	assert.Equal(t, "{{amount}}", def.Steps[1].Execute.Payload["amount"])
	assert.True(t, def.Steps[2].Compensate.IsZero())
	assert.Equal(t, []string{"amount", "booking_id", "customer_id", "payment_id", "service_id"}, def.Placeholders())
}

func TestLoadDefinitions(t *testing.T) {
	defs, err := saga.LoadDefinitions("testdata/definitions")
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.Contains(t, defs, "booking")
	assert.Contains(t, defs, "customer_onboarding")
}

func TestLoadDefinitions_Duplicate(t *testing.T) {
	dir := t.TempDir()
	doc := []byte("name: same\nsteps:\n  - name: a\n    execute:\n      url: https://a.internal/x\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yaml"), doc, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yaml"), doc, 0o600))

	_, err := saga.LoadDefinitions(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate saga definition")
}

func TestParseDefinition_Invalid(t *testing.T) {
	_, err := saga.ParseDefinition([]byte("steps: [oops"))
	assert.Error(t, err)

	_, err = saga.ParseDefinition([]byte("name: empty\nsteps: []\n"))
	assert.ErrorIs(t, err, txerrors.ErrValidation)

	_, err = saga.LoadDefinitionFile("testdata/definitions/missing.yaml")
	assert.Error(t, err)
}
