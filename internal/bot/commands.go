package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/gil9red/currency-rates-telegram-bot/internal/chart"
	"github.com/gil9red/currency-rates-telegram-bot/internal/gateway"
	"github.com/gil9red/currency-rates-telegram-bot/internal/metrics"
	"github.com/gil9red/currency-rates-telegram-bot/internal/rates"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// DateLayout is how users type dates in commands.
const DateLayout = "02.01.2006"

const helpText = `Commands:
/rates [DD.MM.YYYY] - exchange rates for the latest or given date
/subscribe - receive new rates as soon as they are published
/unsubscribe - stop the newsletter
/chart CODE [N|all|year YYYY] - chart of a currency
/currencies - list of known currencies
/settings [CODE] - show selected currencies, or toggle CODE`

// Reply is the answer to one command: text, or a photo with a caption.
type Reply struct {
	Text     string
	Photo    []byte
	Filename string
}

// Sender delivers replies back to the chat.
type Sender interface {
	gateway.Gateway
	gateway.PhotoSender
}

// Commands routes chat commands to the rates service.
type Commands struct {
	service *rates.Service
	sender  Sender
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCommands constructs the router. m may be nil.
func NewCommands(service *rates.Service, sender Sender, m *metrics.Metrics, logger zerolog.Logger) *Commands {
	return &Commands{
		service: service,
		sender:  sender,
		metrics: m,
		logger:  logger.With().Str("component", "bot").Logger(),
	}
}

// HandleUpdate is a go-telegram default handler.
func (c *Commands) HandleUpdate(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := update.Message.Chat.ID

	reply := c.Handle(ctx, chatID, update.Message.Text)
	if err := c.send(ctx, chatID, reply); err != nil {
		c.logger.Error().Err(err).Int64("user_id", chatID).Msg("reply failed")
	}
}

func (c *Commands) send(ctx context.Context, chatID int64, reply Reply) error {
	if len(reply.Photo) > 0 {
		return c.sender.SendPhoto(ctx, chatID, reply.Filename, reply.Photo, reply.Text)
	}
	if reply.Text == "" {
		return nil
	}
	return c.sender.SendMessage(ctx, chatID, reply.Text)
}

// Handle executes one command text for userID and returns the answer.
func (c *Commands) Handle(ctx context.Context, userID int64, text string) Reply {
	command, args := parseCommand(text)
	c.metrics.RecordCommand(commandLabel(command))

	var (
		reply Reply
		err   error
	)
	switch command {
	case "/start", "/help":
		reply = Reply{Text: "Hi! I send the central bank exchange rates.\n\n" + helpText}
	case "/rates":
		reply, err = c.rates(ctx, userID, args)
	case "/subscribe":
		reply, err = c.subscribe(ctx, userID)
	case "/unsubscribe":
		reply, err = c.unsubscribe(ctx, userID)
	case "/chart":
		reply, err = c.chart(ctx, args)
	case "/currencies":
		reply, err = c.currencies(ctx)
	case "/settings":
		reply, err = c.settings(ctx, userID, args)
	default:
		reply = Reply{Text: "Unknown command.\n\n" + helpText}
	}

	if err != nil {
		return c.failure(userID, command, err)
	}
	return reply
}

func (c *Commands) failure(userID int64, command string, err error) Reply {
	switch {
	case errors.Is(err, rates.ErrNoData):
		return Reply{Text: "No rates have been collected yet."}
	case errors.Is(err, rates.ErrUnknownCurrency):
		return Reply{Text: "Unknown currency. See /currencies."}
	case errors.Is(err, rates.ErrEmptySelection):
		return Reply{Text: "At least one currency must stay selected."}
	case errors.Is(err, chart.ErrNotEnoughData):
		return Reply{Text: "Not enough data for a chart."}
	case errors.Is(err, errUsage):
		return Reply{Text: err.Error()}
	}
	c.logger.Error().Err(err).Int64("user_id", userID).Str("command", command).Msg("command failed")
	return Reply{Text: "Something went wrong, please try again later."}
}

func (c *Commands) rates(ctx context.Context, userID int64, args []string) (Reply, error) {
	var date time.Time
	if len(args) > 0 {
		parsed, err := time.Parse(DateLayout, args[0])
		if err != nil {
			return Reply{}, usage("Date must look like 31.12.2024")
		}
		date = parsed
	}
	text, err := c.service.Rates(ctx, userID, date)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

func (c *Commands) subscribe(ctx context.Context, userID int64) (Reply, error) {
	result, err := c.service.Subscribe(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	if result == storage.AlreadyActive {
		return Reply{Text: "Subscription is already active!"}, nil
	}
	return Reply{Text: "You have subscribed to the newsletter."}, nil
}

func (c *Commands) unsubscribe(ctx context.Context, userID int64) (Reply, error) {
	result, err := c.service.Unsubscribe(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	if result == storage.AlreadyInactive {
		return Reply{Text: "Subscription is not active!"}, nil
	}
	return Reply{Text: "You have unsubscribed from the newsletter."}, nil
}

func (c *Commands) chart(ctx context.Context, args []string) (Reply, error) {
	req, err := ParseChartArgs(args)
	if err != nil {
		return Reply{}, err
	}
	rendered, err := c.service.Chart(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		Text:     rendered.Caption,
		Photo:    rendered.PNG,
		Filename: strings.ToLower(req.Code) + ".png",
	}, nil
}

func (c *Commands) currencies(ctx context.Context) (Reply, error) {
	list, err := c.service.Currencies(ctx)
	if err != nil {
		return Reply{}, err
	}
	if len(list) == 0 {
		return Reply{}, rates.ErrNoData
	}
	return Reply{Text: rates.FormatCurrencies(list)}, nil
}

func (c *Commands) settings(ctx context.Context, userID int64, args []string) (Reply, error) {
	var (
		selected []string
		err      error
	)
	if len(args) > 0 {
		selected, err = c.service.ToggleCurrency(ctx, userID, args[0])
	} else {
		selected, err = c.service.SelectedCurrencies(ctx, userID)
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Selected currencies: " + strings.Join(selected, ", ")}, nil
}

var errUsage = errors.New("usage")

type usageError string

func (u usageError) Error() string { return string(u) }
func (u usageError) Is(target error) bool {
	return target == errUsage
}

func usage(text string) error { return usageError(text) }

// ParseChartArgs reads "CODE", "CODE N", "CODE all" and "CODE year YYYY".
// Without a count the whole series is charted.
func ParseChartArgs(args []string) (rates.ChartRequest, error) {
	const hint = "Usage: /chart USD [30|all|year 2024]"
	if len(args) == 0 {
		return rates.ChartRequest{}, usage(hint)
	}
	req := rates.ChartRequest{Code: strings.ToUpper(args[0]), Number: -1}

	switch {
	case len(args) == 1:
	case len(args) == 2 && strings.EqualFold(args[1], "all"):
	case len(args) == 2:
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 2 {
			return rates.ChartRequest{}, usage(hint)
		}
		req.Number = n
	case len(args) == 3 && strings.EqualFold(args[1], "year"):
		year, err := strconv.Atoi(args[2])
		if err != nil || year < 1 {
			return rates.ChartRequest{}, usage(hint)
		}
		req.Year = year
		req.Number = 0
	default:
		return rates.ChartRequest{}, usage(hint)
	}
	return req, nil
}

// parseCommand splits "/rates@ratesbot 01.02.2024" into "/rates" and its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	command := strings.ToLower(fields[0])
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	return command, fields[1:]
}

func commandLabel(command string) string {
	switch command {
	case "/start", "/help", "/rates", "/subscribe", "/unsubscribe", "/chart", "/currencies", "/settings":
		return strings.TrimPrefix(command, "/")
	default:
		return "unknown"
	}
}
