// Package downsample reduces stored time series before they are sent to
// a dashboard.
//
// A plot of a long range has far fewer pixels than samples. Downsample
// keeps the per-timestamp extrema, then drops every point that stays
// within epsilon pixels of the simplified line, measured in a Window that
// maps time and value onto a fixed screen size. FullOuterJoin lines up
// several series on a shared time axis for clients that need rows.
package downsample
