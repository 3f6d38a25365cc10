package analysis

// Ratio is a catalog formula dividing one canonical line by another.
type Ratio struct {
	Name        string `json:"name" yaml:"name"`
	Label       string `json:"label,omitempty" yaml:"label"`
	Numerator   string `json:"numerator" yaml:"numerator"`
	Denominator string `json:"denominator" yaml:"denominator"`
}

// DefaultRatios is used when no catalog is configured.
func DefaultRatios() []Ratio {
	return []Ratio{
		{Name: "current_ratio", Label: "Razón corriente", Numerator: "activos_corrientes", Denominator: "pasivos_corrientes"},
		{Name: "cash_ratio", Label: "Prueba de efectivo", Numerator: "efectivo", Denominator: "pasivos_corrientes"},
		{Name: "debt_ratio", Label: "Nivel de endeudamiento", Numerator: "pasivos_totales", Denominator: "activos_totales"},
		{Name: "debt_to_equity", Label: "Apalancamiento", Numerator: "pasivos_totales", Denominator: "patrimonio_total"},
		{Name: "roe", Label: "Rentabilidad del patrimonio", Numerator: "utilidad_neta", Denominator: "patrimonio_total"},
		{Name: "roa", Label: "Rentabilidad del activo", Numerator: "utilidad_neta", Denominator: "activos_totales"},
	}
}
