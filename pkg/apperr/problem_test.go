package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessageLocaleMatching(t *testing.T) {
	en := UserMessage(CodeNotFound, "en-US")
	de := UserMessage(CodeNotFound, "de-DE")
	zh := UserMessage(CodeNotFound, "zh-CN")

	assert.Equal(t, "The requested resource was not found.", en)
	assert.Equal(t, "Die angeforderte Ressource wurde nicht gefunden.", de)
	assert.Equal(t, "未找到请求的资源。", zh)

	// Unknown and empty locales fall back to English.
	assert.Equal(t, en, UserMessage(CodeNotFound, "xx-YY"))
	assert.Equal(t, en, UserMessage(CodeNotFound, ""))
	// Accept-Language quality lists resolve through the matcher.
	assert.Equal(t, de, UserMessage(CodeNotFound, "de-AT, de;q=0.9, en;q=0.5"))
}

func TestToProblemHidesInternalCause(t *testing.T) {
	p := ToProblem(Internal("handler blew up", errors.New("nil pointer at line 42")), "en", "trace-1")
	assert.Equal(t, "INTERNAL", p.Code)
	assert.NotContains(t, p.Message, "nil pointer")
	assert.Equal(t, 500, p.Status)
	assert.Equal(t, "trace-1", p.TraceID)
}

func TestToProblemBusinessRuleCode(t *testing.T) {
	p := ToProblem(BusinessRule("CREDIT_LIMIT_EXCEEDED", "over limit"), "en", "")
	assert.Equal(t, "CREDIT_LIMIT_EXCEEDED", p.Code)
	assert.Equal(t, 422, p.Status)
}

func TestToProblemCarriesFields(t *testing.T) {
	err := ValidationFailed("bad request",
		FieldError{Field: "amount", Message: "must be positive"})
	p := ToProblem(err, "en", "")
	assert.Len(t, p.Fields, 1)
	assert.Equal(t, "amount", p.Fields[0].Field)
}
