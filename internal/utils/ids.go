package utils

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// GenerateConsumerName creates a unique stable-for-the-process consumer
// name, e.g. "worker-x7k2m9qp4a1z".
func GenerateConsumerName(prefix string) string {
	alphabet := "abcdefghijklmnopqrstuvwxyz0123456789"
	id, err := gonanoid.Generate(alphabet, 12)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}
