package intake

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ncm-audit/internal/model"
)

// sniffDelimiter picks ';' when the header line has more semicolons than
// commas. Spreadsheets exported with a Brazilian locale use ';'.
func sniffDelimiter(line []byte) rune {
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}

// streamCSV reads records and sends them to a channel. Both channels are
// closed when reading completes.
func streamCSV(ctx context.Context, r io.Reader) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		br := bufio.NewReader(r)
		peek, _ := br.Peek(4096)
		if i := bytes.IndexByte(peek, '\n'); i >= 0 {
			peek = peek[:i]
		}

		reader := csv.NewReader(br)
		reader.Comma = sniffDelimiter(peek)
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "intake: csv cancelled")
				return
			}
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "intake: read csv row")
				return
			}
			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "intake: csv cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func collect(rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// ReadCSV reads products from a CSV with an id,description[,ncm][,cest]
// header. The delimiter may be ',' or ';'.
func ReadCSV(ctx context.Context, r io.Reader) ([]model.ProductInput, error) {
	rows, err := collect(streamCSV(ctx, r))
	if err != nil {
		return nil, err
	}
	return productsFromRows(rows)
}

// ReadGoldenCSV reads approved golden-set entries from a CSV with a
// description,ncm[,cest][,confidence] header.
func ReadGoldenCSV(ctx context.Context, r io.Reader, source, approver string) ([]model.GoldenSetEntry, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, eris.New("intake: approver is required for golden-set import")
	}
	rows, err := collect(streamCSV(ctx, r))
	if err != nil {
		return nil, err
	}
	return goldenFromRows(rows, source, approver)
}
