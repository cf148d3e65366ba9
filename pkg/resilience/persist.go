package resilience

import "github.com/loomcast/loomcast/pkg/persist"

func readJSON(path string, v any) (bool, error) {
	return persist.ReadJSON(path, v)
}

func writeJSON(path string, v any) error {
	return persist.WriteJSON(path, v)
}
