package pipeline

// DependencyCycle names an ordered cycle through node ids, first and last
// entry repeated, mirroring the teacher's configstack.DependencyCycle shape
// (configstack/graph_test.go) that §4.4 rule 5 requires ("the error names
// a cycle").
type DependencyCycle []string

func (c DependencyCycle) Error() string {
	s := ""
	for i, id := range c {
		if i > 0 {
			s += " -> "
		}
		s += id
	}
	return "dependency cycle: " + s
}
