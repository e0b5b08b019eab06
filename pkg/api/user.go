package api

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

const defaultAbout = "Hey there! I am using ChatBridge."

// UserService is the user directory: phone number in, profile out.
type UserService interface {
	// Resolve looks a user up by raw phone input. Returns ErrInvalidPhone
	// before any store call, ErrNotFound for unregistered numbers.
	Resolve(ctx context.Context, rawPhone string) (User, error)
	// Register creates (or re-creates, as a merge) the profile for a phone
	// number, filling avatar and about with defaults when omitted.
	Register(ctx context.Context, rawPhone, name, avatar, about string) (User, error)
	// Update merge-writes profile fields without clobbering the rest of the
	// document.
	Update(ctx context.Context, id string, fields Fields) error
}

type userService struct {
	store Store
}

func NewUserService(store Store) UserService {
	return &userService{store: store}
}

func (s *userService) Resolve(ctx context.Context, rawPhone string) (User, error) {
	phone, err := CleanPhone(rawPhone)
	if err != nil {
		return User{}, err
	}
	user, err := s.store.GetUser(ctx, phone)
	if err != nil {
		if IsNotFound(err) {
			return User{}, err
		}
		return User{}, errors.Wrap(err, "resolving user")
	}
	return user, nil
}

func (s *userService) Register(ctx context.Context, rawPhone, name, avatar, about string) (User, error) {
	phone, err := CleanPhone(rawPhone)
	if err != nil {
		return User{}, err
	}
	if avatar == "" {
		avatar = fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s", name)
	}
	if about == "" {
		about = defaultAbout
	}
	fields := Fields{
		"id":       phone,
		"phone":    phone,
		"name":     name,
		"avatar":   avatar,
		"about":    about,
		"online":   true,
		"lastSeen": ServerTimestamp,
	}
	if err := s.store.MergeUser(ctx, phone, fields); err != nil {
		return User{}, errors.Wrap(err, "registering user")
	}
	user, err := s.store.GetUser(ctx, phone)
	if err != nil {
		return User{}, errors.Wrap(err, "reading back registered user")
	}
	return user, nil
}

func (s *userService) Update(ctx context.Context, id string, fields Fields) error {
	if err := ValidatePhone(id); err != nil {
		return err
	}
	if err := s.store.MergeUser(ctx, id, fields); err != nil {
		return errors.Wrap(err, "updating user profile")
	}
	return nil
}
