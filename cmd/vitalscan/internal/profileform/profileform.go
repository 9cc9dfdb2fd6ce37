package profileform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/germanamz/vitalscan/pkg/capture"
)

// Fields is the textual form of a subject profile, as typed on the command
// line or in the form. Empty fields are left unset.
type Fields struct {
	Age      string
	Gender   string
	Height   string
	Weight   string
	Smoker   string
	Diabetic string
	BPMeds   string
}

// Parse converts f into a profile.
func Parse(f Fields) (capture.Profile, error) {
	var (
		p    capture.Profile
		errs []error
	)

	if s := strings.TrimSpace(f.Age); s != "" {
		if err := validateAge(s); err != nil {
			errs = append(errs, fmt.Errorf("age: %w", err))
		} else {
			n, _ := strconv.Atoi(s)
			p.Age = &n
		}
	}

	switch g := capture.Gender(strings.ToLower(strings.TrimSpace(f.Gender))); g {
	case "":
	case capture.GenderMale, capture.GenderFemale:
		p.Gender = g
	default:
		errs = append(errs, fmt.Errorf("gender: unknown value %q", f.Gender))
	}

	var err error
	if p.Height, err = parseMeasure(f.Height, 50, 250); err != nil {
		errs = append(errs, fmt.Errorf("height: %w", err))
	}
	if p.Weight, err = parseMeasure(f.Weight, 20, 300); err != nil {
		errs = append(errs, fmt.Errorf("weight: %w", err))
	}
	if p.Smoker, err = parseYesNo(f.Smoker); err != nil {
		errs = append(errs, fmt.Errorf("smoker: %w", err))
	}
	if p.Diabetic, err = parseYesNo(f.Diabetic); err != nil {
		errs = append(errs, fmt.Errorf("diabetic: %w", err))
	}
	if p.BloodPressureMedication, err = parseYesNo(f.BPMeds); err != nil {
		errs = append(errs, fmt.Errorf("blood pressure medication: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return capture.Profile{}, fmt.Errorf("profile: %w", err)
	}
	return p, nil
}

func validateAge(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errors.New("must be a whole number")
	}
	if n < 1 || n > 120 {
		return fmt.Errorf("must be between 1 and 120")
	}
	return nil
}

func parseMeasure(s string, lo, hi float64) (*float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.New("must be a number")
	}
	if v < lo || v > hi {
		return nil, fmt.Errorf("must be between %g and %g", lo, hi)
	}
	return &v, nil
}

func parseYesNo(s string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return nil, nil
	case "yes", "y", "true", "sim":
		v := true
		return &v, nil
	case "no", "n", "false", "nao", "não":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("expected yes or no, got %q", s)
	}
}

func optionalAge(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return validateAge(s)
}

func optionalMeasure(lo, hi float64) func(string) error {
	return func(s string) error {
		_, err := parseMeasure(s, lo, hi)
		return err
	}
}

func yesNoSelect(title string, v *string) *huh.Select[string] {
	return huh.NewSelect[string]().
		Title(title).
		Options(
			huh.NewOption("Prefer not to say", ""),
			huh.NewOption("Yes", "yes"),
			huh.NewOption("No", "no"),
		).
		Value(v)
}

// Ask runs an interactive form pre-filled with f and returns the profile
// entered.
func Ask(f Fields) (capture.Profile, error) {
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Age (years)").Value(&f.Age).Validate(optionalAge),
			huh.NewSelect[string]().
				Title("Gender").
				Options(
					huh.NewOption("Prefer not to say", ""),
					huh.NewOption("Female", string(capture.GenderFemale)),
					huh.NewOption("Male", string(capture.GenderMale)),
				).
				Value(&f.Gender),
			huh.NewInput().Title("Height (cm)").Value(&f.Height).Validate(optionalMeasure(50, 250)),
			huh.NewInput().Title("Weight (kg)").Value(&f.Weight).Validate(optionalMeasure(20, 300)),
		),
		huh.NewGroup(
			yesNoSelect("Smoker", &f.Smoker),
			yesNoSelect("Diabetic", &f.Diabetic),
			yesNoSelect("Takes blood pressure medication", &f.BPMeds),
		),
	).Run()
	if err != nil {
		return capture.Profile{}, err
	}

	return Parse(f)
}
