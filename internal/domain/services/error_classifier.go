package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind groups backend failures by the guidance the user needs
type ErrorKind string

const (
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindSizeLimit ErrorKind = "size_limit"
	ErrorKindServer    ErrorKind = "server"
	ErrorKindUnknown   ErrorKind = "unknown"
)

// ErrorInfo is the user-facing description of a failed request
type ErrorInfo struct {
	Kind   ErrorKind `json:"kind"`
	Code   string    `json:"code,omitempty"`
	Title  string    `json:"title"`
	Guide  string    `json:"guide"`
	Hint   string    `json:"hint"`
	Detail string    `json:"detail"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Error code:\s*(\d{3})`),
	regexp.MustCompile(`"status"\s*:\s*(\d{3})`),
	regexp.MustCompile(`"statusCode"\s*:\s*(\d{3})`),
}

type errorRule struct {
	kind  ErrorKind
	code  string // default code when none was extracted
	title string
	guide string
	hint  string
	match func(text, lower, code string) bool
}

func containsAny(text string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func codeOr(want string, markers ...string) func(text, lower, code string) bool {
	return func(text, _, code string) bool {
		return code == want || containsAny(text, markers...)
	}
}

// Rules are checked in order; the first match wins
var errorRules = []errorRule{
	{
		kind:  ErrorKindRateLimit,
		code:  "429",
		title: "Token usage limit exceeded.",
		guide: "Too many tokens were used in a short time. Shorten the question, split it into several messages, or try again shortly.",
		hint:  "Sending only the relevant part of a long conversation, summarised, is more reliable than sending all of it at once.",
		match: func(text, lower, _ string) bool {
			return containsAny(text, "tokens per minute", "TPM", "rate_limit_exceeded", "RateLimit", "Too Many Requests") ||
				(strings.Contains(lower, "quota") && strings.Contains(lower, "token"))
		},
	},
	{
		kind:  ErrorKindSizeLimit,
		code:  "413",
		title: "The request is too large.",
		guide: "The text or conversation sent at once exceeds what the model or server accepts.",
		hint:  "Split the question into several messages or summarise the earlier part. Keeping only the essentials works best.",
		match: func(text, _, _ string) bool {
			return containsAny(text, "Request too large", "maximum context length", "context length exceeded")
		},
	},
	{
		kind:  ErrorKindNetwork,
		code:  "NETWORK",
		title: "Could not communicate with the server.",
		guide: "The connection may be unstable or the server may have a temporary problem. Reload the page and try again.",
		hint:  "Check your Wi-Fi or wired connection. On a company or school network, check firewall and VPN settings as well.",
		match: func(text, lower, _ string) bool {
			return containsAny(text, "Failed to fetch", "NetworkError", "ECONNREFUSED", "ENOTFOUND", "ERR_CONNECTION",
				"connection refused", "no such host", "deadline exceeded") || strings.Contains(lower, "timeout")
		},
	},
	{
		kind:  ErrorKindAuth,
		code:  "401",
		title: "Authentication failed.",
		guide: "The API key or login credentials are invalid or have expired.",
		hint:  "Check that the API key configured for the backend is correct and that the session is still valid.",
		match: codeOr("401", "Unauthorized"),
	},
	{
		kind:  ErrorKindAuth,
		code:  "403",
		title: "You do not have permission for this request.",
		guide: "The account used lacks permission for this action, or permissions are misconfigured.",
		hint:  "Check the permission scope in the API dashboard or ask an administrator for access.",
		match: codeOr("403", "Forbidden"),
	},
	{
		kind:  ErrorKindServer,
		code:  "404",
		title: "The requested address was not found.",
		guide: "The backend endpoint address is wrong or the server has no such route.",
		hint:  "Check that the configured base URL, including the port, matches the backend's /chat route.",
		match: codeOr("404", "Not Found"),
	},
	{
		kind:  ErrorKindServer,
		code:  "400",
		title: "The request format is invalid.",
		guide: "The server could not understand the data it received. A JSON field may be missing or misnamed.",
		hint:  "Check that the request body field names match what the server expects.",
		match: codeOr("400", "Bad Request"),
	},
	{
		kind:  ErrorKindNetwork,
		code:  "408",
		title: "The request took too long.",
		guide: "The server did not answer in time. The delay may be temporary.",
		hint:  "Wait a moment before trying again rather than resending the same request repeatedly.",
		match: codeOr("408"),
	},
	{
		kind:  ErrorKindSizeLimit,
		code:  "413",
		title: "The request is too large.",
		guide: "The text or attachment sent at once exceeds what the server accepts.",
		hint:  "Split the question or data and send it over several messages.",
		match: codeOr("413"),
	},
	{
		kind:  ErrorKindRateLimit,
		code:  "429",
		title: "Requests are being sent too often.",
		guide: "Too many requests were sent in a short time and the server is limiting them. Try again shortly.",
		hint:  "Leave more time between requests and send only the ones you need.",
		match: codeOr("429"),
	},
	{
		kind:  ErrorKindServer,
		code:  "500",
		title: "The server hit an internal error.",
		guide: "The backend or an upstream API raised an unexpected exception. Try again shortly.",
		hint:  "During development, the server console log shows the actual stack trace.",
		match: codeOr("500", "Internal Server Error"),
	},
	{
		kind:  ErrorKindServer,
		code:  "502",
		title: "A gateway between you and the server failed.",
		guide: "The backend or the proxy in front of it did not respond properly.",
		hint:  "In a cloud deployment, check the load balancer or proxy settings along with the backend's health.",
		match: codeOr("502"),
	},
	{
		kind:  ErrorKindServer,
		code:  "503",
		title: "The server is temporarily unavailable.",
		guide: "The server may be under maintenance or overloaded. Try again shortly.",
		hint:  "If 503 persists, the backend needs more instances or its traffic needs spreading.",
		match: codeOr("503"),
	},
	{
		kind:  ErrorKindServer,
		code:  "504",
		title: "The server took too long to respond.",
		guide: "The backend took so long that the gateway gave up on the request.",
		hint:  "If one particular request keeps failing, its processing needs optimising or the timeout needs raising.",
		match: codeOr("504"),
	},
}

// ClassifyError maps a failed answer request onto user-facing guidance.
// The status code is taken from the error text when it carries one.
func ClassifyError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return ClassifyText(err.Error())
}

// ClassifyText classifies a raw error message
func ClassifyText(text string) *ErrorInfo {
	code := extractStatus(text)
	lower := strings.ToLower(text)

	for _, r := range errorRules {
		if !r.match(text, lower, code) {
			continue
		}
		c := code
		if c == "" {
			c = r.code
		}
		title := r.title
		if c != "NETWORK" {
			title = fmt.Sprintf("%s (error code: %s)", r.title, c)
		}
		return &ErrorInfo{
			Kind:   r.kind,
			Code:   c,
			Title:  title,
			Guide:  r.guide,
			Hint:   r.hint,
			Detail: text,
		}
	}

	title := "An unknown error occurred."
	if code != "" {
		title = fmt.Sprintf("An unknown error occurred. (error code: %s)", code)
	}
	return &ErrorInfo{
		Kind:   ErrorKindUnknown,
		Code:   code,
		Title:  title,
		Guide:  "The server ran into an unexpected problem. Try again shortly, or rephrase the question.",
		Hint:   "If the same error keeps appearing, contact an administrator with the error code shown.",
		Detail: text,
	}
}

func extractStatus(text string) string {
	for _, re := range statusPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
