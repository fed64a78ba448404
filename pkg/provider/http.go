package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// doRequest posts a JSON body and returns the response when the status is
// 200. Other statuses are read, closed and classified. The caller owns
// resp.Body.
func doRequest(ctx context.Context, client *http.Client, op, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, llmerr.Errorf(llmerr.KindValidation, op, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llmerr.Errorf(llmerr.KindValidation, op, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, llmerr.Classify(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, llmerr.FromStatus(op, resp.StatusCode, respBody)
	}
	return resp, nil
}

// decodeJSON reads a complete JSON response body into out.
func decodeJSON(op string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return llmerr.Classify(op, fmt.Errorf("read response: %w", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return llmerr.Errorf(llmerr.KindTransientServer, op, "decode response: %v", err)
	}
	return nil
}

// sseEvent is what a backend-specific parser extracts from one data line.
type sseEvent struct {
	text  string
	usage *models.Usage
	done  bool
	err   error
}

// sseReader turns a server-sent-events body into a ChunkReader.
type sseReader struct {
	op      string
	body    io.ReadCloser
	scanner *bufio.Scanner
	parse   func(data string, usage *models.Usage) sseEvent
	usage   *models.Usage
	done    bool

	closeOnce sync.Once
	closeErr  error
}

func newSSEReader(op string, body io.ReadCloser, parse func(string, *models.Usage) sseEvent) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{op: op, body: body, scanner: scanner, parse: parse}
}

func (r *sseReader) Recv() (string, error) {
	if r.done {
		return "", io.EOF
	}
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			r.done = true
			return "", io.EOF
		}

		ev := r.parse(data, r.usage)
		if ev.usage != nil {
			r.usage = ev.usage
		}
		if ev.err != nil {
			return "", ev.err
		}
		if ev.done {
			r.done = true
			if ev.text != "" {
				return ev.text, nil
			}
			return "", io.EOF
		}
		if ev.text != "" {
			return ev.text, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", llmerr.Classify(r.op, fmt.Errorf("reading stream: %w", err))
	}
	return "", llmerr.Errorf(llmerr.KindTransientServer, r.op, "stream ended before completion")
}

func (r *sseReader) Usage() *models.Usage { return r.usage }

// Close may be called from another goroutine to abort a blocked Recv.
func (r *sseReader) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.body.Close() })
	return r.closeErr
}
