package envelope

// ============================================================================
// TYPED PAYLOADS
// ============================================================================
//
// The envelope payload stays an opaque map on the wire so the bridge can
// forward it verbatim, but directives and reports have a fixed shape. The
// helpers here convert between the wire map and the typed views so agents
// never pick strings out of maps by hand.

// Payload keys for directives and reports.
const (
	keyAction    = "action"
	keyParams    = "params"
	keyStatus    = "status"
	keyData      = "data"
	keyErrorCode = "error_code"
	keyMessage   = "message"
	keyRetryable = "retryable"
	keyLatencyMS = "latency_ms"
	keySizeBytes = "size_bytes"
)

// Status is the terminal outcome of a directive.
type Status string

const (
	// StatusSuccess indicates the directive completed.
	StatusSuccess Status = "success"
	// StatusFailed indicates the directive did not complete.
	StatusFailed Status = "failed"
)

// Directive is the typed view of a directive payload.
type Directive struct {
	Action string
	Params map[string]any
}

// Report is the typed view of a report payload. LatencyMS and SizeBytes are
// optional execution metrics carried alongside the result.
type Report struct {
	Status    Status
	Data      map[string]any
	ErrorCode string
	Message   string
	Retryable bool
	LatencyMS int64
	SizeBytes int64
}

// Succeeded reports whether the report carries a success status.
func (r Report) Succeeded() bool { return r.Status == StatusSuccess }

// DirectivePayload builds the wire payload for a directive.
func DirectivePayload(action string, params map[string]any) map[string]any {
	p := map[string]any{keyAction: action}
	if params != nil {
		p[keyParams] = params
	}
	return p
}

// ParseDirective extracts the typed directive view from a payload.
func ParseDirective(payload map[string]any) (Directive, error) {
	action, ok := payload[keyAction].(string)
	if !ok || action == "" {
		return Directive{}, NewMalformedPayloadError("directive payload missing action")
	}
	d := Directive{Action: action}
	if params, ok := payload[keyParams].(map[string]any); ok {
		d.Params = params
	}
	return d, nil
}

// ReportPayload builds the wire payload for a report.
func ReportPayload(r Report) map[string]any {
	p := map[string]any{keyStatus: string(r.Status)}
	if r.Data != nil {
		p[keyData] = r.Data
	}
	if r.ErrorCode != "" {
		p[keyErrorCode] = r.ErrorCode
	}
	if r.Message != "" {
		p[keyMessage] = r.Message
	}
	if r.Retryable {
		p[keyRetryable] = true
	}
	if r.LatencyMS > 0 {
		p[keyLatencyMS] = r.LatencyMS
	}
	if r.SizeBytes > 0 {
		p[keySizeBytes] = r.SizeBytes
	}
	return p
}

// ParseReport extracts the typed report view from a payload.
func ParseReport(payload map[string]any) (Report, error) {
	status, ok := payload[keyStatus].(string)
	if !ok {
		return Report{}, NewMalformedPayloadError("report payload missing status")
	}
	switch Status(status) {
	case StatusSuccess, StatusFailed:
	default:
		return Report{}, NewMalformedPayloadError("report payload has unknown status " + status)
	}
	r := Report{Status: Status(status)}
	if data, ok := payload[keyData].(map[string]any); ok {
		r.Data = data
	}
	if code, ok := payload[keyErrorCode].(string); ok {
		r.ErrorCode = code
	}
	if msg, ok := payload[keyMessage].(string); ok {
		r.Message = msg
	}
	if retry, ok := payload[keyRetryable].(bool); ok {
		r.Retryable = retry
	}
	r.LatencyMS = asInt64(payload[keyLatencyMS])
	r.SizeBytes = asInt64(payload[keySizeBytes])
	return r, nil
}

// asInt64 tolerates the numeric types JSON decoding and in-process callers
// produce for the same field.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// SuccessReport builds a success report payload with optional result data.
func SuccessReport(data map[string]any, latencyMS int64) map[string]any {
	return ReportPayload(Report{Status: StatusSuccess, Data: data, LatencyMS: latencyMS})
}

// FailureReport builds a failed report payload.
func FailureReport(code, message string, retryable bool) map[string]any {
	return ReportPayload(Report{Status: StatusFailed, ErrorCode: code, Message: message, Retryable: retryable})
}
