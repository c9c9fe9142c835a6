package intake

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ncm-audit/internal/model"
)

// ReadJSON decodes a JSON array of products element by element.
func ReadJSON(ctx context.Context, r io.Reader) ([]model.ProductInput, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "intake: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("intake: expected '[', got %v", tok)
	}

	var out []model.ProductInput
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "intake: json cancelled")
		}
		var in model.ProductInput
		if err := dec.Decode(&in); err != nil {
			return nil, eris.Wrapf(err, "intake: decode element %d", len(out)+1)
		}
		if in.ID == "" {
			return nil, eris.Errorf("intake: element %d has no id", len(out)+1)
		}
		in.NCM = digits(in.NCM)
		in.CEST = digits(in.CEST)
		out = append(out, in)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "intake: read closing token")
	}
	return out, nil
}
