package regions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	discoveryerrors "github.com/catherinevee/cloudauditor/internal/shared/errors"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) EnabledRegions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func TestResolveExplicitRegionsVerbatim(t *testing.T) {
	lister := &mockLister{}
	res := NewResolver(lister).Resolve(context.Background(), []string{"eu-west-1", "us-east-1"})

	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, res.Regions)
	assert.True(t, res.Explicit)
	assert.NoError(t, res.Err)
	lister.AssertNotCalled(t, "EnabledRegions", mock.Anything)
}

func TestResolveEmptyExplicitListIsHonoured(t *testing.T) {
	res := NewResolver(&mockLister{}).Resolve(context.Background(), []string{})
	assert.Empty(t, res.Regions)
	assert.True(t, res.Explicit)
}

func TestResolveEnabledRegions(t *testing.T) {
	lister := &mockLister{}
	lister.On("EnabledRegions", mock.Anything).Return([]string{"us-east-1", "us-west-2"}, nil).Once()

	res := NewResolver(lister).Resolve(context.Background(), nil)

	assert.Equal(t, []string{"us-east-1", "us-west-2"}, res.Regions)
	assert.False(t, res.Explicit)
	assert.NoError(t, res.Err)
	lister.AssertExpectations(t)
}

func TestResolveFallsBackOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		regions []string
		err     error
	}{
		{"call fails", nil, errors.New("access denied")},
		{"empty answer", []string{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lister := &mockLister{}
			lister.On("EnabledRegions", mock.Anything).Return(tt.regions, tt.err)

			res := NewResolver(lister).Resolve(context.Background(), nil)

			assert.Equal(t, DefaultRegions, res.Regions)
			assert.Equal(t, discoveryerrors.KindRegionEnumeration, discoveryerrors.KindOf(res.Err))
		})
	}

	res := NewResolver(nil).Resolve(context.Background(), nil)
	assert.Len(t, res.Regions, 15)
	assert.Error(t, res.Err)
}

func TestIsValidRegionName(t *testing.T) {
	valid := []string{"us-east-1", "eu-central-2", "ap-southeast-4", "us-gov-west-1", "me-south-1", "il-central-1"}
	for _, r := range valid {
		assert.True(t, IsValidRegionName(r), r)
	}

	invalid := []string{"", "all", "not-a-region", "US-EAST-1", "us-east", "us_east_1", "global"}
	for _, r := range invalid {
		assert.False(t, IsValidRegionName(r), r)
	}
}
