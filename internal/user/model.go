package user

import (
	"time"

	"kronos/internal/wire"
)

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Avatar      string    `json:"avatar,omitempty"`
	Password    string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u User) Wire() wire.User {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return wire.User{ID: u.ID, Username: u.Username, DisplayName: name, Avatar: u.Avatar}
}

type RegisterRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password    string `json:"password" validate:"required,min=6,max=128"`
	DisplayName string `json:"display_name" validate:"max=64"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}
