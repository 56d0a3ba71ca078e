package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/mockexam/internal/model"
)

const studentColumns = `id, class_id, user_id, full_name, email, phone, target_band, notes, created_at`

func scanStudent(row interface{ Scan(...any) error }) (model.Student, error) {
	var st model.Student
	err := row.Scan(&st.ID, &st.ClassID, &st.UserID, &st.FullName, &st.Email, &st.Phone, &st.TargetBand, &st.Notes, &st.CreatedAt)
	return st, err
}

// CreateClass inserts a class.
func (s *Store) CreateClass(c model.Class) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO classes (name, level, teacher_id, created_at) VALUES (?, ?, ?, ?)`,
		c.Name, c.Level, c.TeacherID, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetClass returns a class by ID, or nil if it does not exist.
func (s *Store) GetClass(id int64) (*model.Class, error) {
	var c model.Class
	err := s.db.QueryRow(
		`SELECT id, name, level, teacher_id, created_at FROM classes WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Level, &c.TeacherID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClasses returns all classes ordered by name.
func (s *Store) ListClasses() ([]model.Class, error) {
	rows, err := s.db.Query(`SELECT id, name, level, teacher_id, created_at FROM classes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var classes []model.Class
	for rows.Next() {
		var c model.Class
		if err := rows.Scan(&c.ID, &c.Name, &c.Level, &c.TeacherID, &c.CreatedAt); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// DeleteClass removes a class. Classes that still have students are kept.
func (s *Store) DeleteClass(id int64) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM students WHERE class_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("class %d still has %d students", id, n)
	}
	_, err := s.db.Exec(`DELETE FROM classes WHERE id = ?`, id)
	return err
}

// CreateStudent inserts a student.
func (s *Store) CreateStudent(st model.Student) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO students (class_id, user_id, full_name, email, phone, target_band, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ClassID, st.UserID, st.FullName, st.Email, st.Phone, st.TargetBand, st.Notes, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateStudent saves the editable fields of a student.
func (s *Store) UpdateStudent(st model.Student) error {
	_, err := s.db.Exec(
		`UPDATE students SET class_id = ?, full_name = ?, email = ?, phone = ?, target_band = ?, notes = ?
		 WHERE id = ?`,
		st.ClassID, st.FullName, st.Email, st.Phone, st.TargetBand, st.Notes, st.ID,
	)
	return err
}

// LinkStudentUser attaches a login account to a student.
func (s *Store) LinkStudentUser(studentID, userID int64) error {
	_, err := s.db.Exec(`UPDATE students SET user_id = ? WHERE id = ?`, userID, studentID)
	return err
}

// GetStudent returns a student by ID, or nil if it does not exist.
func (s *Store) GetStudent(id int64) (*model.Student, error) {
	st, err := scanStudent(s.db.QueryRow(`SELECT `+studentColumns+` FROM students WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStudentByUserID returns the student linked to a login account, or nil.
func (s *Store) GetStudentByUserID(userID int64) (*model.Student, error) {
	st, err := scanStudent(s.db.QueryRow(`SELECT `+studentColumns+` FROM students WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStudents returns the students of a class, or all students when
// classID is 0.
func (s *Store) ListStudents(classID int64) ([]model.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students`
	var args []any
	if classID != 0 {
		query += ` WHERE class_id = ?`
		args = append(args, classID)
	}
	query += ` ORDER BY full_name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// DeleteStudent removes a student who has no exam attempts.
func (s *Store) DeleteStudent(id int64) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM attempts WHERE student_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("student %d has %d exam attempts", id, n)
	}
	_, err := s.db.Exec(`DELETE FROM students WHERE id = ?`, id)
	return err
}
