package domain

import (
	"fmt"
	"strconv"
)

// ChainChecker walks entries in sequence order and collects every
// discrepancy. Continuity follows the stored hash, so one tampered row is
// reported once and does not cascade to its successors.
type ChainChecker struct {
	index    int64
	expected string
	errs     []IntegrityError
}

func (c *ChainChecker) Check(entry JournalEntry) {
	if entry.SequenceNumber != c.index+1 {
		c.errs = append(c.errs, IntegrityError{
			Sequence: entry.SequenceNumber,
			Kind:     IntegrityErrorSequenceGap,
			Message:  fmt.Sprintf("expected sequence %d, found %d", c.index+1, entry.SequenceNumber),
			Expected: strconv.FormatInt(c.index+1, 10),
			Actual:   strconv.FormatInt(entry.SequenceNumber, 10),
		})
	}

	if c.index == 0 {
		if !IsGenesisHash(entry.PreviousHash) {
			c.errs = append(c.errs, IntegrityError{
				Sequence: entry.SequenceNumber,
				Kind:     IntegrityErrorChainBreak,
				Message:  "first entry does not start from the genesis hash",
				Expected: GenesisHash,
				Actual:   entry.PreviousHash,
			})
		}
	} else if entry.PreviousHash != c.expected {
		c.errs = append(c.errs, IntegrityError{
			Sequence: entry.SequenceNumber,
			Kind:     IntegrityErrorChainBreak,
			Message:  "previous hash does not match the preceding entry",
			Expected: c.expected,
			Actual:   entry.PreviousHash,
		})
	}

	if recomputed := EntryHash(entry); recomputed != entry.CurrentHash {
		c.errs = append(c.errs, IntegrityError{
			Sequence: entry.SequenceNumber,
			Kind:     IntegrityErrorHashMismatch,
			Message:  "stored hash does not match the entry contents",
			Expected: recomputed,
			Actual:   entry.CurrentHash,
		})
	}

	c.expected = entry.CurrentHash
	c.index++
}

func (c *ChainChecker) Result() VerificationResult {
	errs := c.errs
	if errs == nil {
		errs = []IntegrityError{}
	}
	return VerificationResult{
		IsValid:        len(errs) == 0,
		EntriesChecked: c.index,
		Errors:         errs,
	}
}

// VerifyEntries checks a complete chain already held in memory.
func VerifyEntries(entries []JournalEntry) VerificationResult {
	var checker ChainChecker
	for _, entry := range entries {
		checker.Check(entry)
	}
	return checker.Result()
}
