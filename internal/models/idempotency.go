package models

import "fmt"

// IdempotencyPartition names the processed-ID set for one mailbox epoch.
// Partitioning by uidvalidity makes an epoch reset a cheap key delete.
func IdempotencyPartition(baseKey, account, mailbox string, uidValidity uint64) string {
	return fmt.Sprintf("%s:%s:%s:%d", baseKey, account, mailbox, uidValidity)
}
