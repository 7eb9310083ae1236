package main

import (
	"errors"

	"github.com/codewandler/arque-go/core/es"
)

const (
	cmdChangeEmail es.CommandType = iota + 1
)

const (
	evEmailChanged es.EventType = iota + 100
)

type (
	User struct {
		Email   string `json:"email"`
		Changes int    `json:"changes"`
	}

	EmailChanged struct {
		Email string `json:"email"`
	}
)

var errEmptyEmail = errors.New("email is empty")

func changeEmail(email string) es.Command {
	return es.Command{Type: cmdChangeEmail, Args: []any{email}}
}

func userHandlers() *es.Handlers[User] {
	return es.MustHandlers(
		[]es.CommandHandler[User]{
			es.CommandFunc(cmdChangeEmail, func(_ es.HandlerCtx[User], cmd es.Command) ([]es.NewEvent, error) {
				email, _ := cmd.Args[0].(string)
				if email == "" {
					return nil, errEmptyEmail
				}
				return []es.NewEvent{{Type: evEmailChanged, Body: es.MustBodyOf(EmailChanged{Email: email})}}, nil
			}),
		},
		[]es.EventHandler[User]{
			es.EventFunc(evEmailChanged, func(ctx es.HandlerCtx[User], ev es.Event) (User, error) {
				body, err := es.DecodeBody[EmailChanged](ev)
				if err != nil {
					return ctx.State, err
				}
				return User{Email: body.Email, Changes: ctx.State.Changes + 1}, nil
			}),
		},
	)
}
