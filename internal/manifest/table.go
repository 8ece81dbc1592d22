package manifest

import "strconv"

// TableHeader implements report.Tabular.
func (r *Report) TableHeader() []string {
	return []string{"FILE", "DOC", "KIND", "NAMESPACE", "NAME", "CONTAINER", "CHECK", "MESSAGE"}
}

// TableRows implements report.Tabular. Init containers are marked and
// object-level findings show "-" as the container.
func (r *Report) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Findings))
	for _, finding := range r.Findings {
		container := finding.Container
		if container == "" {
			container = "-"
		} else if finding.Init {
			container += " (init)"
		}
		rows = append(rows, []string{
			finding.File,
			strconv.Itoa(finding.Document),
			finding.Kind,
			finding.Namespace,
			finding.Name,
			container,
			string(finding.Check),
			finding.Message,
		})
	}
	return rows
}
