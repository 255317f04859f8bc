package postgres

import (
	"context"
	"errors"

	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves the user and doctor records a booking references.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) LookupUser(ctx context.Context, userID string) (queue.User, error) {
	var user queue.User
	err := d.pool.QueryRow(ctx, `
		SELECT user_id, name, email, phone FROM users WHERE user_id = $1
	`, userID).Scan(&user.UserID, &user.Name, &user.Email, &user.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.User{}, store.ErrDependencyMissing
		}
		return queue.User{}, err
	}
	return user, nil
}

func (d *Directory) LookupDoctor(ctx context.Context, doctorID string) (queue.Doctor, error) {
	var doctor queue.Doctor
	err := d.pool.QueryRow(ctx, `
		SELECT doctor_id, name, speciality FROM doctors WHERE doctor_id = $1
	`, doctorID).Scan(&doctor.DoctorID, &doctor.Name, &doctor.Speciality)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Doctor{}, store.ErrDependencyMissing
		}
		return queue.Doctor{}, err
	}
	return doctor, nil
}
