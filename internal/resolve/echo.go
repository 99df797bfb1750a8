package resolve

import "slices"

// echoes derives the echo set of a folder from its representatives.
//
// With echo numbers, the first echo time seen for each number wins and the
// two parallel slices are returned. Otherwise the distinct echo times are
// returned in order of first appearance and numbers are nil. A missing
// echo number is keyed as 0. Slices without an echo time contribute neither
// a time nor a number.
func echoes(reps []Slice, useEchoNumbers bool) ([]float64, []int) {
	if useEchoNumbers {
		var (
			times   []float64
			numbers []int
		)
		for _, s := range reps {
			te, ok := s.EchoTime()
			if !ok {
				continue
			}
			num, _ := s.EchoNumber()
			if slices.Contains(numbers, num) {
				continue
			}
			numbers = append(numbers, num)
			times = append(times, te)
		}
		return times, numbers
	}

	var times []float64
	for _, s := range reps {
		te, ok := s.EchoTime()
		if !ok || slices.Contains(times, te) {
			continue
		}
		times = append(times, te)
	}
	return times, nil
}
