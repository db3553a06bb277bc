package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"

	"github.com/zhouzirui/chatstream/internal/apperr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"quota text", errors.New("You exceeded your current quota"), apperr.ErrRateLimited},
		{"status text", errors.New("error, status code: 429"), apperr.ErrRateLimited},
		{"genai 429", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, apperr.ErrRateLimited},
		{"genai 503", fmt.Errorf("stream: %w", genai.APIError{Code: 503}), apperr.ErrTransient},
		{"deadline", context.DeadlineExceeded, apperr.ErrTransient},
		{"overloaded", errors.New("anthropic: overloaded_error"), apperr.ErrTransient},
		{"other", errors.New("invalid api key"), apperr.ErrFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, Classify(tc.err), tc.want)
		})
	}
}

func TestClassifyPassesThroughCancellation(t *testing.T) {
	assert.Same(t, context.Canceled, Classify(context.Canceled))
	assert.Equal(t, io.EOF, Classify(io.EOF))
	assert.Nil(t, Classify(nil))

	already := apperr.New(apperr.ErrNotFound, "gone")
	assert.Same(t, already, Classify(already))
}

func TestClassNameLabels(t *testing.T) {
	assert.Equal(t, "rate_limited", ClassName(Classify(errors.New("rate limit"))))
	assert.Equal(t, "transient", ClassName(Classify(errors.New("503 Service Unavailable"))))
	assert.Equal(t, "fatal", ClassName(Classify(errors.New("bad request"))))
}
