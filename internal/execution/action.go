package execution

import "github.com/google/uuid"

func NewActionID() string {
	return "run_" + uuid.NewString()
}
