package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Serve reads one request per line from in and writes one envelope per line
// to out until in is exhausted or ctx is done. Each line names its function.
func (g *Gateway) Serve(ctx context.Context, in io.Reader, out io.Writer, actor string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxBody)
	encoder := json.NewEncoder(out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("error reading requests: %w", err)
			}
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Code: CodeBadRequest, Message: "invalid JSON", RequestID: uuid.NewString()}
		} else {
			resp = g.Dispatch(ctx, req.Function, actor, req)
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("error writing response: %w", err)
		}
	}
}
