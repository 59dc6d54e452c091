package tables

import "strings"

// Kind is the semantic type of a column in the registry's data dictionary.
type Kind int

const (
	// String keeps the raw text, trimmed. Codes keep leading zeros.
	String Kind = iota
	// Decimal is a fixed-point monetary value with a comma separator in the
	// source ("123456,78"). Stored as int64 centavos, never as float.
	Decimal
	// Date is the registry's compact numeric format (YYYYMMDD, "0" = null).
	Date
	// Bool is a single-character S/N flag.
	Bool
)

type Column struct {
	Name     string
	Kind     Kind
	Required bool
}

// Spec is the fixed schema of one logical table. The raw files carry no
// header row; columns are positional in the order declared here.
type Spec struct {
	Name string

	// Infixes classify a raw file name into this table (case-insensitive
	// substring match, first spec wins).
	Infixes []string

	Columns []Column

	// Key names the columns whose joined values identify a row for
	// cross-shard deduplication.
	Key []string
}

func col(name string) Column              { return Column{Name: name} }
func reqCol(name string) Column           { return Column{Name: name, Required: true} }
func typedCol(name string, k Kind) Column { return Column{Name: name, Kind: k} }

var Empresas = Spec{
	Name:    "empresas",
	Infixes: []string{"EMPRE"},
	Columns: []Column{
		reqCol("cnpj_basico"),
		col("razao_social"),
		col("natureza_juridica"),
		col("qualificacao_responsavel"),
		typedCol("capital_social", Decimal),
		col("porte_empresa"),
		col("ente_federativo_responsavel"),
	},
	Key: []string{"cnpj_basico"},
}

var Estabelecimentos = Spec{
	Name:    "estabelecimentos",
	Infixes: []string{"ESTABELE", "ESTABLE"},
	Columns: []Column{
		reqCol("cnpj_basico"),
		reqCol("cnpj_ordem"),
		reqCol("cnpj_dv"),
		col("identificador_matriz_filial"),
		col("nome_fantasia"),
		col("situacao_cadastral"),
		typedCol("data_situacao_cadastral", Date),
		col("motivo_situacao_cadastral"),
		col("nome_cidade_exterior"),
		col("pais"),
		typedCol("data_inicio_atividade", Date),
		col("cnae_fiscal_principal"),
		col("cnae_fiscal_secundaria"),
		col("tipo_logradouro"),
		col("logradouro"),
		col("numero"),
		col("complemento"),
		col("bairro"),
		col("cep"),
		col("uf"),
		col("municipio"),
		col("ddd_1"),
		col("telefone_1"),
		col("ddd_2"),
		col("telefone_2"),
		col("ddd_fax"),
		col("fax"),
		col("correio_eletronico"),
		col("situacao_especial"),
		typedCol("data_situacao_especial", Date),
	},
	Key: []string{"cnpj_basico", "cnpj_ordem", "cnpj_dv"},
}

var Socios = Spec{
	Name:    "socios",
	Infixes: []string{"SOCIO"},
	Columns: []Column{
		reqCol("cnpj_basico"),
		col("identificador_socio"),
		col("nome_socio"),
		reqCol("cnpj_cpf_socio"),
		col("qualificacao_socio"),
		typedCol("data_entrada_sociedade", Date),
		col("pais"),
		col("representante_legal"),
		col("nome_representante"),
		col("qualificacao_representante_legal"),
		col("faixa_etaria"),
	},
	Key: []string{"cnpj_basico", "cnpj_cpf_socio"},
}

var Simples = Spec{
	Name:    "simples",
	Infixes: []string{"SIMPLES"},
	Columns: []Column{
		reqCol("cnpj_basico"),
		typedCol("opcao_simples", Bool),
		typedCol("data_opcao_simples", Date),
		typedCol("data_exclusao_simples", Date),
		typedCol("opcao_mei", Bool),
		typedCol("data_opcao_mei", Date),
		typedCol("data_exclusao_mei", Date),
	},
	Key: []string{"cnpj_basico"},
}

func referenceSpec(name string, infixes ...string) Spec {
	return Spec{
		Name:    name,
		Infixes: infixes,
		Columns: []Column{reqCol("codigo"), col("descricao")},
		Key:     []string{"codigo"},
	}
}

var (
	Cnaes         = referenceSpec("cnaes", "CNAE")
	Motivos       = referenceSpec("motivos", "MOTI")
	Municipios    = referenceSpec("municipios", "MUNIC")
	Naturezas     = referenceSpec("naturezas", "NATJU", "NATURE")
	Paises        = referenceSpec("paises", "PAIS")
	Qualificacoes = referenceSpec("qualificacoes", "QUAL")
)

// All lists every logical table of the release, in a stable order.
var All = []Spec{
	Empresas,
	Estabelecimentos,
	Socios,
	Simples,
	Cnaes,
	Motivos,
	Municipios,
	Naturezas,
	Paises,
	Qualificacoes,
}

// ByName returns the spec for a logical table name.
func ByName(name string) (Spec, bool) {
	for _, s := range All {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// ColumnNames returns the declared column names in order.
func (s Spec) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// KeyIndexes resolves the dedup key columns to their positions.
func (s Spec) KeyIndexes() []int {
	idx := make([]int, 0, len(s.Key))
	for _, k := range s.Key {
		for i, c := range s.Columns {
			if c.Name == k {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

// Classify maps a raw file name to its logical table by infix. The registry
// encodes table identity in the name (e.g. "Empresas0.zip", "K123.EMPRECSV").
func Classify(fileName string) (Spec, bool) {
	upper := strings.ToUpper(fileName)
	for _, s := range All {
		for _, infix := range s.Infixes {
			if strings.Contains(upper, infix) {
				return s, true
			}
		}
	}
	return Spec{}, false
}
