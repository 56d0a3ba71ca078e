package store

import (
	"github.com/pavelanni/mockexam/internal/answerkey"
	"github.com/pavelanni/mockexam/internal/grading"
)

func answerKeyHashKey(section string) string {
	return "answer_key_hash:" + section
}

// ReplaceAnswerKey swaps the stored key of a section for entries.
func (s *Store) ReplaceAnswerKey(section string, entries []grading.AnswerKeyEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM answer_keys WHERE section = ?`, section); err != nil {
		return err
	}
	for i, e := range entries {
		_, err := tx.Exec(
			`INSERT INTO answer_keys (section, position, answer, skill, points) VALUES (?, ?, ?, ?, ?)`,
			section, i, e.ExpectedAnswer, e.Skill, e.Points,
		)
		if err != nil {
			return err
		}
	}
	hash := answerkey.Hash(entries)
	if _, err := tx.Exec(
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		answerKeyHashKey(section), hash, hash,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAnswerKey returns a section's key in question order.
func (s *Store) GetAnswerKey(section string) ([]grading.AnswerKeyEntry, error) {
	rows, err := s.db.Query(
		`SELECT answer, skill, points FROM answer_keys WHERE section = ? ORDER BY position`, section,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []grading.AnswerKeyEntry
	for rows.Next() {
		var e grading.AnswerKeyEntry
		if err := rows.Scan(&e.ExpectedAnswer, &e.Skill, &e.Points); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AnswerKeyHash returns the fingerprint of a section's stored key.
func (s *Store) AnswerKeyHash(section string) (string, error) {
	return s.GetMetadata(answerKeyHashKey(section))
}

// AnswerKeySizes returns the number of stored entries per section.
func (s *Store) AnswerKeySizes() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT section, COUNT(*) FROM answer_keys GROUP BY section`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sizes := make(map[string]int)
	for rows.Next() {
		var section string
		var n int
		if err := rows.Scan(&section, &n); err != nil {
			return nil, err
		}
		sizes[section] = n
	}
	return sizes, rows.Err()
}
