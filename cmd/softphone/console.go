package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/arzzra/callsession/pkg/call"
	"github.com/arzzra/callsession/pkg/phone"
)

var errQuit = errors.New("quit")

const usage = `команды:
  dial <sip-uri>            исходящий звонок
  answer                    принять входящий
  hold | resume | toggle    удержание
  hangup [code [reason]]    завершить (по умолчанию 200)
  calls                     список звонков
  use <call-id>             выбрать звонок
  quit                      выход`

// command разобранная строка консоли
type command struct {
	name   string
	uri    string
	callID string
	code   int
	reason string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}

	cmd := command{name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch cmd.name {
	case "dial":
		if len(args) != 1 {
			return command{}, errors.New("dial: нужен SIP URI")
		}
		cmd.uri = args[0]
	case "use":
		if len(args) != 1 {
			return command{}, errors.New("use: нужен Call-ID")
		}
		cmd.callID = args[0]
	case "hangup":
		cmd.code = 200
		if len(args) > 0 {
			code, err := strconv.Atoi(args[0])
			if err != nil || code < 100 || code > 699 {
				return command{}, fmt.Errorf("hangup: некорректный код %q", args[0])
			}
			cmd.code = code
			cmd.reason = strings.Join(args[1:], " ")
		}
	case "answer", "hold", "resume", "toggle", "calls", "quit", "help":
		if len(args) != 0 {
			return command{}, fmt.Errorf("%s: лишние аргументы", cmd.name)
		}
	default:
		return command{}, fmt.Errorf("неизвестная команда %q", cmd.name)
	}
	return cmd, nil
}

// console связывает команды пользователя со звонками телефона
type console struct {
	out   io.Writer
	phone *phone.Phone

	mu      sync.Mutex
	current *call.Session
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

// OnStateChanged печатает переходы звонков
func (c *console) OnStateChanged(prev, next call.State, cause call.Cause) {
	line := fmt.Sprintf("* %s -> %s (%s", prev, next, cause.Kind)
	if cause.StatusCode != 0 {
		line += fmt.Sprintf(" %d", cause.StatusCode)
	}
	if cause.Reason != "" {
		line += " " + strconv.Quote(cause.Reason)
	}
	if cause.Err != nil {
		line += ": " + cause.Err.Error()
	}
	c.printf("%s)\n", line)
}

func (c *console) incoming(s *call.Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.printf("* входящий звонок %s, answer или hangup 486\n", s.CallID())
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) session() (*call.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil, errors.New("нет активного звонка")
	}
	return c.current, nil
}

// run читает команды до quit, EOF или отмены ctx
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", usage)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			cmd, err := parseCommand(line)
			if err != nil {
				c.printf("! %v\n", err)
				continue
			}
			if err := c.execute(ctx, cmd); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("! %v\n", err)
			}
		}
	}
}

func (c *console) execute(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "":
		return nil
	case "quit":
		return errQuit
	case "help":
		c.printf("%s\n", usage)
		return nil
	case "calls":
		c.listCalls()
		return nil
	case "use":
		s, ok := c.phone.Get(cmd.callID)
		if !ok {
			return fmt.Errorf("звонок %s не найден", cmd.callID)
		}
		c.mu.Lock()
		c.current = s
		c.mu.Unlock()
		return nil
	case "dial":
		s, err := c.phone.Dial(ctx, cmd.uri)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.current = s
		c.mu.Unlock()
		c.printf("* звонок %s\n", s.CallID())
		return nil
	}

	s, err := c.session()
	if err != nil {
		return err
	}
	switch cmd.name {
	case "answer":
		return s.Answer(ctx)
	case "hold":
		return s.Hold(ctx)
	case "resume":
		return s.Resume(ctx)
	case "toggle":
		return s.ToggleHold(ctx)
	case "hangup":
		return s.Hangup(ctx, cmd.code, cmd.reason)
	}
	return fmt.Errorf("неизвестная команда %q", cmd.name)
}

func (c *console) listCalls() {
	calls := c.phone.Calls()
	if len(calls) == 0 {
		c.printf("нет звонков\n")
		return
	}
	for _, s := range calls {
		dir := lo.Ternary(s.Incoming(), "in", "out")
		c.printf("  %s %s %s\n", s.CallID(), dir, s.State())
	}
}

// hangupAll завершает активные звонки при остановке
func (c *console) hangupAll() {
	if c.phone == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, s := range c.phone.Calls() {
		if !s.State().IsTerminal() && s.State() != call.StateIdle {
			_ = s.Hangup(ctx, 200, "Shutdown")
		}
	}
}
