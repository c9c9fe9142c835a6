package intake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ncm-audit/internal/model"
)

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Produtos")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "produtos.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadCSV_Comma(t *testing.T) {
	input := "id,description,ncm,cest\n" +
		"p1,Café torrado em grão,0901.21.00,17.096.00\n" +
		"\n" +
		"p2,\"Refrigerante, lata 350ml\",22021000,\n"

	got, err := ReadCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []model.ProductInput{
		{ID: "p1", Description: "Café torrado em grão", NCM: "09012100", CEST: "1709600"},
		{ID: "p2", Description: "Refrigerante, lata 350ml", NCM: "22021000"},
	}, got)
}

func TestReadCSV_SemicolonAndAliases(t *testing.T) {
	input := "\ufeffCodigo;Descricao;NCM\nA-1;Parafuso sextavado, aço;73181500\n;;\n"

	got, err := ReadCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A-1", got[0].ID)
	assert.Equal(t, "Parafuso sextavado, aço", got[0].Description)
	assert.Equal(t, "73181500", got[0].NCM)
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing id column", "description,ncm\nx,1\n", `missing "id" column`},
		{"missing description column", "id,ncm\np1,1\n", `missing "description" column`},
		{"row without id", "id,description\np1,a\n,b\n", "row 3 has no id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(context.Background(), strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadCSV_Empty(t *testing.T) {
	got, err := ReadCSV(context.Background(), strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCSV(ctx, strings.NewReader("id,description\np1,a\n"))
	require.Error(t, err)
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"ID", "Description", "NCM", "CEST"},
		{"p1", "Chocolate ao leite", "1806.32.10", ""},
		{"", "", "", ""},
		{"p2", "Água mineral 500ml", "22011000", "0300400"},
	})

	got, err := ReadXLSX(path)
	require.NoError(t, err)
	assert.Equal(t, []model.ProductInput{
		{ID: "p1", Description: "Chocolate ao leite", NCM: "18063210"},
		{ID: "p2", Description: "Água mineral 500ml", NCM: "22011000", CEST: "0300400"},
	}, got)
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"))
	require.Error(t, err)
}

func TestReadJSON(t *testing.T) {
	input := `[{"id":"p1","description":"Café","ncm":"0901.21.00"},{"id":"p2","description":"Chá"}]`

	got, err := ReadJSON(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []model.ProductInput{
		{ID: "p1", Description: "Café", NCM: "09012100"},
		{ID: "p2", Description: "Chá"},
	}, got)
}

func TestReadJSON_Errors(t *testing.T) {
	for _, input := range []string{`{"id":"p1"}`, `[{"description":"x"}]`, `[{"id":1}]`} {
		_, err := ReadJSON(context.Background(), strings.NewReader(input))
		assert.Error(t, err, input)
	}
}

func TestReadProducts_ByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,description\np1,a\n"), 0o644))
	jsonPath := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"id":"p1","description":"a"}]`), 0o644))
	xlsxPath := createTestXLSX(t, [][]string{{"id", "description"}, {"p1", "a"}})

	for _, path := range []string{csvPath, jsonPath, xlsxPath} {
		got, err := ReadProducts(context.Background(), path)
		require.NoError(t, err, path)
		assert.Equal(t, []model.ProductInput{{ID: "p1", Description: "a"}}, got, path)
	}

	_, err := ReadProducts(context.Background(), filepath.Join(dir, "in.parquet"))
	assert.Error(t, err)
}

func TestReadGoldenCSV(t *testing.T) {
	input := "descricao;ncm;cest;confianca\nCafé torrado em grão;0901.21.00;1709600;\nChá mate;09030010;;0,95\n"

	got, err := ReadGoldenCSV(context.Background(), strings.NewReader(input), "import", "fiscal@example.com")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "09012100", got[0].NCM)
	assert.Equal(t, "1709600", got[0].CEST)
	assert.InDelta(t, 1.0, got[0].Confidence, 1e-9)
	assert.InDelta(t, 0.95, got[1].Confidence, 1e-9)
	assert.Equal(t, "fiscal@example.com", got[1].Approver)
	assert.Equal(t, "import", got[1].Source)

	_, err = ReadGoldenCSV(context.Background(), strings.NewReader(input), "import", " ")
	assert.Error(t, err)
}
