package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/robertarktes/event-reservations/internal/domain"
)

type eventView struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	PriceCents  int64      `json:"price_cents"`
	Capacity    int        `json:"capacity"`
	Occupancy   int        `json:"occupancy"`
	Available   int        `json:"available"`
	Lifecycle   string     `json:"lifecycle"`
	Version     int64      `json:"version"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func toEventView(e domain.Event) eventView {
	return eventView{
		ID:          e.ID.String(),
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		ImageURL:    e.ImageURL,
		PriceCents:  e.PriceCents,
		Capacity:    e.Capacity,
		Occupancy:   e.Occupancy,
		Available:   e.Available(),
		Lifecycle:   string(e.Lifecycle()),
		Version:     e.Version,
		ScheduledAt: e.ScheduledAt,
		CancelledAt: e.CancelledAt,
	}
}

func (v eventView) text(w io.Writer) {
	fmt.Fprintf(w, "%s  %s\n", v.ID, v.Title)
	fmt.Fprintf(w, "  scheduled  %s\n", v.ScheduledAt.Format(time.RFC3339))
	if v.Location != "" {
		fmt.Fprintf(w, "  location   %s\n", v.Location)
	}
	if v.PriceCents > 0 {
		fmt.Fprintf(w, "  price      %d.%02d\n", v.PriceCents/100, v.PriceCents%100)
	}
	fmt.Fprintf(w, "  occupancy  %d/%d (%s, version %d)\n", v.Occupancy, v.Capacity, v.Lifecycle, v.Version)
}

type auditView struct {
	Action    string                 `json:"action"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type showView struct {
	Event eventView   `json:"event"`
	Audit []auditView `json:"audit,omitempty"`
}

func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Create, update, cancel and inspect events",
	}
	cmd.AddCommand(newEventCreateCommand(rootOpts))
	cmd.AddCommand(newEventUpdateCommand(rootOpts))
	cmd.AddCommand(newEventCancelCommand(rootOpts))
	cmd.AddCommand(newEventShowCommand(rootOpts))
	return cmd
}

func newEventCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		in          domain.NewEventInput
		scheduledAt string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Title == "" {
				return &ExitError{Code: ExitCommandError, Message: "--title is required"}
			}
			at, err := time.Parse(time.RFC3339, scheduledAt)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "--scheduled-at must be RFC3339", Err: err}
			}
			in.ScheduledAt = at

			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Coordinator.CreateEvent(cmd.Context(), in)
			if err != nil {
				return err
			}
			v := toEventView(e)
			return outputFormatter{format: rootOpts.Format, w: cmd.OutOrStdout()}.write(v, v.text)
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "event title")
	cmd.Flags().StringVar(&in.Description, "description", "", "event description")
	cmd.Flags().StringVar(&in.Location, "location", "", "event location")
	cmd.Flags().StringVar(&in.ImageURL, "image-url", "", "cover image URL")
	cmd.Flags().Int64Var(&in.PriceCents, "price-cents", 0, "ticket price in cents")
	cmd.Flags().IntVar(&in.Capacity, "capacity", 0, "number of slots (> 0)")
	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "start time, RFC3339")
	return cmd
}

func parseEventID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid event id %q", arg), Err: err}
	}
	return id, nil
}

func newEventUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		title, description, location string
		imageURL, scheduledAt        string
		priceCents                   int64
	)
	cmd := &cobra.Command{
		Use:   "update <event-id>",
		Short: "Change an event's details; capacity is fixed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			var u domain.EventUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				u.Title = &title
			}
			if flags.Changed("description") {
				u.Description = &description
			}
			if flags.Changed("location") {
				u.Location = &location
			}
			if flags.Changed("image-url") {
				u.ImageURL = &imageURL
			}
			if flags.Changed("price-cents") {
				u.PriceCents = &priceCents
			}
			if flags.Changed("scheduled-at") {
				at, err := time.Parse(time.RFC3339, scheduledAt)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "--scheduled-at must be RFC3339", Err: err}
				}
				u.ScheduledAt = &at
			}
			if u.Empty() {
				return &ExitError{Code: ExitCommandError, Message: "nothing to update"}
			}

			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Coordinator.UpdateEvent(cmd.Context(), id, u)
			if err != nil {
				return err
			}
			v := toEventView(e)
			return outputFormatter{format: rootOpts.Format, w: cmd.OutOrStdout()}.write(v, v.text)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "event title")
	cmd.Flags().StringVar(&description, "description", "", "event description")
	cmd.Flags().StringVar(&location, "location", "", "event location")
	cmd.Flags().StringVar(&imageURL, "image-url", "", "cover image URL")
	cmd.Flags().Int64Var(&priceCents, "price-cents", 0, "ticket price in cents")
	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "start time, RFC3339")
	return cmd
}

func newEventCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <event-id>",
		Short: "Cancel an event and every active reservation on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Coordinator.CancelEvent(cmd.Context(), id)
			if err != nil {
				return err
			}
			v := toEventView(e)
			return outputFormatter{format: rootOpts.Format, w: cmd.OutOrStdout()}.write(v, v.text)
		},
	}
}

func newEventShowCommand(rootOpts *RootOptions) *cobra.Command {
	var auditLimit int64
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event and, when MongoDB is configured, its recent audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Coordinator.GetEvent(cmd.Context(), id)
			if err != nil {
				return err
			}
			view := showView{Event: toEventView(e)}
			if s.Backend.Audit != nil && auditLimit > 0 {
				logs, err := s.Backend.Audit.Recent(cmd.Context(), id, auditLimit)
				if err != nil {
					return err
				}
				for _, l := range logs {
					view.Audit = append(view.Audit, auditView{Action: l.Action, UserID: l.UserID, Timestamp: l.Timestamp, Data: l.Data})
				}
			}
			return outputFormatter{format: rootOpts.Format, w: cmd.OutOrStdout()}.write(view, func(w io.Writer) {
				view.Event.text(w)
				for _, a := range view.Audit {
					fmt.Fprintf(w, "  %s  %-22s %s\n", a.Timestamp.Format(time.RFC3339), a.Action, a.UserID)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&auditLimit, "audit", 20, "number of audit entries to show (0 disables)")
	return cmd
}
