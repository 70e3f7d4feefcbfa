package engine

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristone/keystone/internal/models"
)

func TestValidateNewFieldGuards(t *testing.T) {
	base := func() *models.FieldDefinition {
		return &models.FieldDefinition{
			Module:   models.ModuleExpense,
			Entity:   "receipts",
			FieldKey: "vendor-name",
			Label:    "Vendor",
			Type:     models.FieldText,
		}
	}

	require.NoError(t, ValidateNewField(base()))

	f := base()
	f.Module = "hr"
	assert.Error(t, ValidateNewField(f), "unknown module")

	f = base()
	f.Entity = ""
	assert.Error(t, ValidateNewField(f), "missing entity")

	f = base()
	f.FieldKey = "Vendor_Name"
	assert.Error(t, ValidateNewField(f), "uppercase and underscore in key")

	f = base()
	f.Label = ""
	assert.Error(t, ValidateNewField(f), "missing label")

	f = base()
	f.Type = "geopoint"
	assert.Error(t, ValidateNewField(f), "unknown type")

	f = base()
	f.Type = models.FieldSelect
	assert.Error(t, ValidateNewField(f), "select without options")

	f.Options = pq.StringArray{"a", "b"}
	assert.NoError(t, ValidateNewField(f))
}

func TestRequiresOptions(t *testing.T) {
	assert.True(t, RequiresOptions(models.FieldSelect))
	assert.True(t, RequiresOptions(models.FieldRadio))
	assert.False(t, RequiresOptions(models.FieldText))
	assert.False(t, RequiresOptions(models.FieldCheckbox))
}

func TestCheckSystemFieldUpdateAllowList(t *testing.T) {
	label := "New label"
	visible := false
	order := 5
	required := true
	allowed := &FieldUpdate{Label: &label, Visible: &visible, DisplayOrder: &order, Required: &required}
	assert.NoError(t, CheckSystemFieldUpdate(allowed))

	pattern := `^x$`
	assert.Error(t, CheckSystemFieldUpdate(&FieldUpdate{Pattern: &pattern}))

	enabled := false
	assert.Error(t, CheckSystemFieldUpdate(&FieldUpdate{IsEnabled: &enabled}))

	opts := pq.StringArray{"a"}
	assert.Error(t, CheckSystemFieldUpdate(&FieldUpdate{Options: &opts}))
}

func TestFieldUpdateApply(t *testing.T) {
	f := &models.FieldDefinition{Label: "Old", Visible: true, DisplayOrder: 1}
	label := "New"
	visible := false
	order := 9
	(&FieldUpdate{Label: &label, Visible: &visible, DisplayOrder: &order}).apply(f)

	assert.Equal(t, "New", f.Label)
	assert.False(t, f.Visible)
	assert.Equal(t, 9, f.DisplayOrder)
}

func TestStaticFieldSourceFiltersDisabled(t *testing.T) {
	enabled := textField("a", "A", false)
	disabled := textField("b", "B", false)
	disabled.IsEnabled = false

	source := StaticFieldSource{enabled, disabled}
	fields, err := source.EnabledFields(context.Background(), models.ModuleRevenue, "invoices")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "a", fields[0].FieldKey)
}
