package intake

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"orderkeeper/internal/schema"
)

// MaxLine is the longest intent line accepted.
const MaxLine = 64 * 1024

// ReadIntents decodes one JSON intent per line. Blank lines and lines
// starting with # are skipped. fn errors stop the scan; a malformed line is
// reported through bad and skipped.
func ReadIntents(ctx context.Context, r io.Reader, fn func(line int, intent schema.OrderIntent) error, bad func(line int, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLine)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		intent, err := decodeIntent(text)
		if err != nil {
			if bad != nil {
				bad(line, err)
			}
			continue
		}
		if err := fn(line, intent); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func decodeIntent(text []byte) (schema.OrderIntent, error) {
	var intent schema.OrderIntent
	if err := sonic.ConfigStd.Unmarshal(text, &intent); err != nil {
		return schema.OrderIntent{}, fmt.Errorf("decode intent: %w", err)
	}
	return intent, nil
}
