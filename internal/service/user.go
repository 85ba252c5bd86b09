package service

import (
	"context"
	"fmt"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/trolltoll/trolltoll-backend/internal/entity"
)

const petnameWords = 2

// UserService is the user directory: `{id, name}` records keyed by the
// anonymous identity id.
type UserService interface {
	SaveUser(ctx context.Context, id, name string) (*entity.User, error)
	GetUserByID(ctx context.Context, id string) (*entity.User, error)
}

type userRepo interface {
	Save(ctx context.Context, user *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
}

type userService struct {
	userRepo userRepo
}

func NewUserService(userRepo userRepo) UserService {
	return &userService{
		userRepo: userRepo,
	}
}

// SaveUser stores the record, inventing a readable name for anonymous users
// who did not pick one.
func (that *userService) SaveUser(ctx context.Context, id, name string) (*entity.User, error) {
	if name == "" {
		name = petname.Generate(petnameWords, "-")
	}

	user := &entity.User{ID: id, Name: name}
	if err := that.userRepo.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("could not save user: %w", err)
	}

	return user, nil
}

func (that *userService) GetUserByID(ctx context.Context, id string) (*entity.User, error) {
	user, err := that.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get user by id: %w", err)
	}

	return user, nil
}
