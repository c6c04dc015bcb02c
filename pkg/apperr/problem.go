package apperr

import (
	"golang.org/x/text/language"
)

// Problem is the user-visible error shape: {code, message, details?, trace_id}.
// It follows the RFC 7807 field layout used by the HTTP facades.
type Problem struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Status  int               `json:"status"`
	Details map[string]string `json:"details,omitempty"`
	Fields  []FieldError      `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// supported locales for user-facing messages. English is the fallback.
var supported = []language.Tag{
	language.English,
	language.German,
	language.SimplifiedChinese,
}

var matcher = language.NewMatcher(supported)

var messages = map[language.Tag]map[Code]string{
	language.English: {
		CodeValidationFailed: "The request is invalid.",
		CodeUnauthorized:     "Authentication required.",
		CodeForbidden:        "Insufficient permissions.",
		CodeNotFound:         "The requested resource was not found.",
		CodeAlreadyExists:    "The resource already exists.",
		CodeConflict:         "The request conflicts with the current state.",
		CodeBusinessRule:     "A business rule was violated.",
		CodeDeadlineExceeded: "The operation did not complete in time.",
		CodeTransient:        "A temporary infrastructure problem occurred. Please retry.",
		CodeInternal:         "An unexpected error occurred. Please try again later.",
	},
	language.German: {
		CodeValidationFailed: "Die Anfrage ist ungültig.",
		CodeUnauthorized:     "Authentifizierung erforderlich.",
		CodeForbidden:        "Unzureichende Berechtigungen.",
		CodeNotFound:         "Die angeforderte Ressource wurde nicht gefunden.",
		CodeAlreadyExists:    "Die Ressource existiert bereits.",
		CodeConflict:         "Die Anfrage steht im Konflikt mit dem aktuellen Zustand.",
		CodeBusinessRule:     "Eine Geschäftsregel wurde verletzt.",
		CodeDeadlineExceeded: "Der Vorgang wurde nicht rechtzeitig abgeschlossen.",
		CodeTransient:        "Ein vorübergehendes Infrastrukturproblem ist aufgetreten.",
		CodeInternal:         "Ein unerwarteter Fehler ist aufgetreten.",
	},
	language.SimplifiedChinese: {
		CodeValidationFailed: "请求无效。",
		CodeUnauthorized:     "需要身份验证。",
		CodeForbidden:        "权限不足。",
		CodeNotFound:         "未找到请求的资源。",
		CodeAlreadyExists:    "资源已存在。",
		CodeConflict:         "请求与当前状态冲突。",
		CodeBusinessRule:     "违反了业务规则。",
		CodeDeadlineExceeded: "操作未在规定时间内完成。",
		CodeTransient:        "出现临时基础设施问题，请重试。",
		CodeInternal:         "发生意外错误，请稍后重试。",
	},
}

// UserMessage resolves the localized message for a code. An unknown or empty
// locale falls back to English; internal errors never leak their cause.
func UserMessage(code Code, locale string) string {
	_, idx := language.MatchStrings(matcher, locale)
	if m, ok := messages[supported[idx]]; ok {
		if s, ok := m[code]; ok {
			return s
		}
	}
	return messages[language.English][code]
}

// ToProblem converts any error into the user-visible shape. Internal causes
// are dropped; only the taxonomy surface is exposed.
func ToProblem(err error, locale, traceID string) Problem {
	ae := From(err)
	p := Problem{
		Code:    string(ae.Code),
		Message: UserMessage(ae.Code, locale),
		Status:  ae.StatusCode(),
		Details: ae.Details,
		Fields:  ae.Fields,
		TraceID: traceID,
	}
	if ae.RuleCode != "" {
		p.Code = ae.RuleCode
	}
	return p
}
