package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"chatcore/internal/session"
	"chatcore/internal/turn"
)

// =============================================================================
// INTERACTIVE SESSION
// =============================================================================

const replHelp = `Commands:
  /regen     regenerate the last response
  /compact   condense older history into a summary
  /copy      copy the last response to the clipboard
  /debug     toggle debug metadata
  /reset     clear the conversation
  /quit      exit`

func runInteractive(ctx context.Context) error {
	sess, cleanup, err := buildSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Println("chatcore interactive session. Type /quit to exit, /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Println(replHelp)
		case line == "/regen":
			if err := sess.HandleRegenerate(ctx); err != nil {
				fmt.Printf("regenerate: %v\n", err)
				continue
			}
			renderStream(sess)
		case line == "/compact":
			if err := sess.Compact(ctx); err != nil {
				fmt.Printf("compact: %v\n", err)
			} else {
				fmt.Println("History compacted.")
			}
		case line == "/copy":
			if err := sess.HandleCopy(""); err != nil {
				fmt.Printf("copy: %v\n", err)
			} else {
				fmt.Println("Copied.")
			}
		case line == "/debug":
			sess.SetDebugMode(!sess.DebugMode())
			fmt.Printf("Debug mode: %v\n", sess.DebugMode())
		case line == "/reset":
			if err := sess.Reset(); err != nil {
				fmt.Printf("reset: %v\n", err)
			} else {
				fmt.Println("Conversation cleared.")
			}
		case strings.HasPrefix(line, "/"):
			fmt.Println("Unknown command. /help lists commands.")
		default:
			if err := sendAndRender(ctx, sess, line); err != nil {
				fmt.Printf("send: %v\n", err)
			}
			if sess.HasPendingQuestion() {
				if err := answerQuestions(ctx, sess, scanner); err != nil {
					fmt.Printf("question: %v\n", err)
				}
			}
			if sess.ShouldCompact() {
				fmt.Println("(history is getting long; /compact will condense it)")
			}
		}
	}
}

// sendAndRender sends one message and prints the streamed response.
func sendAndRender(ctx context.Context, sess *session.Session, msg string) error {
	if _, err := sess.SendMessage(ctx, msg); err != nil {
		return err
	}
	renderStream(sess)
	return nil
}

// renderStream echoes the growing stream buffer until the turn settles,
// then prints whatever metadata the settled turn carries.
func renderStream(sess *session.Session) {
	printed := 0
	for sess.IsStreaming() {
		content := sess.StreamingContent()
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
		time.Sleep(30 * time.Millisecond)
	}
	sess.Wait()

	last := lastTurn(sess)
	if last != nil && last.Assistant != nil {
		if len(last.Assistant.Content) > printed {
			fmt.Print(last.Assistant.Content[printed:])
		}
		fmt.Println()
		for _, src := range last.Assistant.Sources {
			fmt.Printf("  [source] %s %s\n", src.Title, src.URL)
		}
		if trace := last.Assistant.DebugTrace; trace != nil {
			fmt.Printf("  [debug] %dms, %d tokens\n", trace.GenerationMs, trace.Usage.TotalTokens)
		}
	}
	if err := sess.LastError(); err != nil {
		fmt.Printf("  [error] %v (partial response kept; /regen to retry)\n", err)
	}
}

func lastTurn(sess *session.Session) *turn.ConversationTurn {
	entries := sess.Turns()
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].IsSummary() {
			return entries[i].Turn
		}
	}
	return nil
}

// answerQuestions walks the pending-question flow on stdin.
func answerQuestions(ctx context.Context, sess *session.Session, scanner *bufio.Scanner) error {
	fmt.Println("\nThe assistant needs more information (empty answer skips, 'cancel' aborts):")

	for _, q := range sess.PendingQuestions() {
		fmt.Printf("  %s\n", q.Text)
		for i, opt := range q.Options {
			fmt.Printf("    %d) %s\n", i+1, opt.Label)
		}
		fmt.Print("  answer: ")
		if !scanner.Scan() {
			sess.CancelPendingQuestion()
			return scanner.Err()
		}
		answer := strings.TrimSpace(scanner.Text())
		if answer == "cancel" {
			sess.CancelPendingQuestion()
			fmt.Println("Question dismissed.")
			return nil
		}
		if answer == "" {
			continue
		}

		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(q.Options) {
			if err := sess.ToggleQuestionOption(q.ID, q.Options[n-1].ID); err != nil {
				return err
			}
		} else {
			if err := sess.SetQuestionText(q.ID, answer); err != nil {
				return err
			}
		}
	}

	preview, err := sess.PreviewPendingAnswers()
	if err != nil {
		return err
	}
	if preview == "" {
		sess.CancelPendingQuestion()
		fmt.Println("No answers given; question dismissed.")
		return nil
	}
	fmt.Printf("\nWill send:\n%s\nConfirm? [Y/n] ", preview)
	if scanner.Scan() && strings.EqualFold(strings.TrimSpace(scanner.Text()), "n") {
		sess.CancelPendingQuestion()
		fmt.Println("Question dismissed.")
		return nil
	}

	if _, err := sess.ConfirmPendingQuestion(ctx); err != nil {
		return err
	}
	renderStream(sess)
	return nil
}

// systemClipboard shells out to the platform clipboard tool.
type systemClipboard struct{}

func (systemClipboard) Write(text string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "windows":
		cmd = exec.Command("clip")
	default:
		cmd = exec.Command("xclip", "-selection", "clipboard")
	}
	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}
