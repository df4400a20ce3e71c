package backlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomFieldValue(t *testing.T) {
	fields := []CustomField{
		{ID: 1, Name: "取得時間", Value: json.RawMessage(`"11:30:00"`)},
		{ID: 2, Name: "再会計", Value: json.RawMessage(`{"id":10,"name":"はい"}`)},
		{ID: 3, Name: "件数", Value: json.RawMessage(`12`)},
		{ID: 4, Name: "メモ", Value: json.RawMessage(`null`)},
	}

	assert.Equal(t, "11:30:00", CustomFieldValue(fields, "取得時間"))
	assert.Equal(t, "はい", CustomFieldValue(fields, "再会計"))
	assert.Equal(t, "12", CustomFieldValue(fields, "件数"))
	assert.Equal(t, "", CustomFieldValue(fields, "メモ"))
	assert.Equal(t, "", CustomFieldValue(fields, "存在しない"))
	assert.Equal(t, "", CustomFieldValue(nil, "取得時間"))
}
