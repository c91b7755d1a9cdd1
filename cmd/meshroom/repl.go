package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dkeye/meshroom/internal/adapters/console"
	router "github.com/dkeye/meshroom/internal/adapters/http"
)

const intentTimeout = 10 * time.Second

const helpText = `commands:
  /mic      toggle microphone
  /cam      toggle camera
  /hand     raise or lower your hand
  /share    start or stop screen sharing
  /audio    enable audio playback
  /who      show participants
  /leave    leave the room
anything else is sent to the chat`

// repl reads commands and chat lines from the terminal.
type repl struct {
	in      io.Reader
	out     io.Writer
	session router.Session
	view    *console.Console
	sink    *console.Sink
}

func newREPL(in io.Reader, s router.Session, view *console.Console, sink *console.Sink) *repl {
	return &repl{in: in, out: os.Stdout, session: s, view: view, sink: sink}
}

func (r *repl) run(ctx context.Context) {
	sc := bufio.NewScanner(r.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if done := r.handle(ctx, sc.Text()); done {
			return
		}
	}
}

// handle runs one line and reports whether the session was left.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, intentTimeout)
	defer cancel()

	var err error
	switch line {
	case "/help":
		fmt.Fprintln(r.out, console.MutedStyle.Render(helpText))
	case "/mic":
		err = r.session.SetAudioEnabled(ctx, !r.session.Info().AudioEnabled)
	case "/cam":
		err = r.session.SetVideoEnabled(ctx, !r.session.Info().VideoEnabled)
	case "/hand":
		err = r.session.SetHandRaised(ctx, !r.session.Info().HandRaised)
	case "/share":
		if r.session.Info().Sharing {
			err = r.session.StopScreenShare(ctx)
		} else {
			err = r.session.StartScreenShare(ctx)
		}
	case "/audio":
		if r.sink != nil {
			r.sink.EnableAudio()
		}
		fmt.Fprintln(r.out, console.NoticeStyle.Render("audio playback enabled"))
	case "/who":
		if r.view != nil {
			r.view.Render()
		}
	case "/leave":
		if err := r.session.Leave(ctx); err != nil {
			fmt.Fprintln(r.out, console.ErrorStyle.Render(err.Error()))
		}
		return true
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintln(r.out, console.ErrorStyle.Render("unknown command "+line+", try /help"))
			return false
		}
		_, err = r.session.SendChat(ctx, line)
	}
	if err != nil {
		fmt.Fprintln(r.out, console.ErrorStyle.Render(err.Error()))
	}
	return false
}
