package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
)

type httpHandler struct{}

func (httpHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	p := step.HTTP
	scope := ec.Scope()

	urlSub, err := interpolate.ResolveWithMasking(p.URL, scope)
	if err != nil {
		return nil, err
	}
	rawURL := fmt.Sprintf("%v", urlSub.Real)

	policy := ec.HTTPPolicy
	if policy == nil {
		policy = NewHTTPPolicy(0, 0)
	}
	parsed, err := policy.ValidateURL(rawURL)
	if err != nil {
		return nil, &errs.SecurityPolicyViolationError{StepID: step.ID, Policy: "ssrf", Message: err.Error()}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := policy.Allow(ctx, parsed.Hostname()); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if p.Body != nil {
		bodySub, err := interpolate.ResolveWithMasking(p.Body, scope)
		if err != nil {
			return nil, err
		}
		switch b := bodySub.Real.(type) {
		case string:
			bodyReader = bytes.NewBufferString(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewBuffer(encoded)
		}
	}

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), bodyReader)
	if err != nil {
		return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
	}
	for k, v := range p.Headers {
		sub, err := interpolate.ResolveWithMasking(v, scope)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, fmt.Sprintf("%v", sub.Real))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errs.TimeoutError{Scope: "step", ID: step.ID, Timeout: timeout.String()}
		}
		return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
	}

	var parsedBody any
	if json.Unmarshal(rawBody, &parsedBody) != nil {
		parsedBody = nil
	}

	headers := map[string]any{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	out := &StepOutput{Fields: map[string]any{
		"status":  resp.StatusCode,
		"body":    parsedBody,
		"text":    string(rawBody),
		"headers": headers,
	}}

	failOnError := p.FailOnError == nil || *p.FailOnError
	if (resp.StatusCode < 200 || resp.StatusCode >= 300) && failOnError {
		return out, &errs.StepFailureError{
			StepID:      step.ID,
			Diagnostic:  fmt.Sprintf("non-2xx status %d", resp.StatusCode),
			FailOnError: true,
		}
	}
	return out, nil
}
