package server

// Leveled console log (no target, no hub)

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Message types
const (
	MessageError   = "ERROR"
	MessageWarning = "WARNING"
	MessageInfo    = "INFO"
	MessageTrace   = "TRACE"
)

// Message is a Log message
type Message struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
}

// NewMessage instanciates a new Message
func NewMessage(mtype string, message string) *Message {
	return &Message{
		Time:    time.Now(),
		Type:    mtype,
		Message: message,
	}
}

var messageColors = map[string]func(a ...interface{}) string{
	MessageError:   color.New(color.FgHiRed).SprintFunc(),
	MessageWarning: color.New(color.FgHiYellow).SprintFunc(),
	MessageInfo:    color.New(color.FgHiGreen).SprintFunc(),
	MessageTrace:   color.New(color.FgHiBlack).SprintFunc(),
}

// Log provides error/warning/etc helpers
type Log struct {
	trace bool
	time  bool
	out   io.Writer
	mutex sync.Mutex
}

// NewLog creates a new log
func NewLog(trace bool) *Log {
	return &Log{
		trace: trace,
		out:   color.Output,
	}
}

// SetOutput redirects messages to w (colors are disabled if w is not stdout)
func (log *Log) SetOutput(w io.Writer) {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	log.out = w
}

// SetTime enables timestamps on messages
func (log *Log) SetTime(enabled bool) {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	log.time = enabled
}

// Log is a low-level function for sending a Message
func (log *Log) Log(message *Message) {
	if message.Type == MessageTrace && !log.trace {
		return
	}

	log.mutex.Lock()
	defer log.mutex.Unlock()

	mtype := message.Type
	if log.out == color.Output || log.out == os.Stdout {
		if colorize, ok := messageColors[mtype]; ok {
			mtype = colorize(mtype)
		}
	}

	if log.time {
		fmt.Fprintf(log.out, "%s %s: %s\n", message.Time.Format("2006-01-02 15:04:05"), mtype, message.Message)
		return
	}
	fmt.Fprintf(log.out, "%s: %s\n", mtype, message.Message)
}

// Error sends a MessageError Message
func (log *Log) Error(message string) {
	log.Log(NewMessage(MessageError, message))
}

// Errorf sends a formated string MessageError Message
func (log *Log) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
}

// Warning sends a MessageWarning Message
func (log *Log) Warning(message string) {
	log.Log(NewMessage(MessageWarning, message))
}

// Warningf sends a formated string MessageWarning Message
func (log *Log) Warningf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Warning(msg)
}

// Info sends an MessageInfo Message
func (log *Log) Info(message string) {
	log.Log(NewMessage(MessageInfo, message))
}

// Infof sends a formated string MessageInfo Message
func (log *Log) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Info(msg)
}

// Trace sends an MessageTrace Message
func (log *Log) Trace(message string) {
	log.Log(NewMessage(MessageTrace, message))
}

// Tracef sends a formated string MessageTrace Message
func (log *Log) Tracef(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Trace(msg)
}
