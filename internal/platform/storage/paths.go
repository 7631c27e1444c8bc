package storage

import (
	"fmt"
	"path"
	"strings"
)

const instructionPrefix = "instructions"

// InstructionObject returns the object name for an instruction image of one mapping pair:
// instructions/{combinationID}/{implementID}/{ordinal}/{fileName}.
func InstructionObject(combinationID, implementID string, ordinal int, fileName string) (string, error) {
	combinationID, err := segment("combinationID", combinationID)
	if err != nil {
		return "", err
	}
	implementID, err = segment("implementID", implementID)
	if err != nil {
		return "", err
	}
	if ordinal < 1 {
		return "", fmt.Errorf("storage: ordinal must be positive, got %d", ordinal)
	}
	fileName, err = segment("fileName", fileName)
	if err != nil {
		return "", err
	}
	return path.Join(instructionPrefix, combinationID, implementID, fmt.Sprint(ordinal), fileName), nil
}

// IsInstructionObject reports whether object lives under the instruction prefix of the given
// combination and implement, so clients cannot point an instruction at arbitrary objects.
func IsInstructionObject(object, combinationID, implementID string) bool {
	prefix := path.Join(instructionPrefix, combinationID, implementID) + "/"
	return strings.HasPrefix(object, prefix) && !strings.Contains(object, "..")
}

func segment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
